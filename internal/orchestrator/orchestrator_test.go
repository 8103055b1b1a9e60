package orchestrator

import (
	"context"
	"testing"
	"time"

	"fundingkeeper/internal/breaker"
	"fundingkeeper/internal/core"
	"fundingkeeper/internal/executor"
	"fundingkeeper/internal/lockregistry"
	"fundingkeeper/internal/marketcache"
	"fundingkeeper/internal/positionstore"
	"fundingkeeper/internal/venue"
	"fundingkeeper/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvaluator struct {
	opportunities []core.Opportunity
	existing      core.Opportunity
	existingErr   error
	rotate        bool
	hoursSaved    decimal.Decimal
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, symbols []string) ([]core.Opportunity, error) {
	return f.opportunities, nil
}
func (f *fakeEvaluator) EvaluateExisting(ctx context.Context, symbol, longVenue, shortVenue string) (core.Opportunity, error) {
	return f.existing, f.existingErr
}
func (f *fakeEvaluator) ShouldRotate(ctx context.Context, existing, candidate core.Opportunity) (bool, decimal.Decimal) {
	return f.rotate, f.hoursSaved
}
func (f *fakeEvaluator) IsBlacklisted(symbol string) bool                          { return false }
func (f *fakeEvaluator) AutoBlacklist(symbol string, reason string, ttl time.Duration) {}
func (f *fakeEvaluator) ClearBlacklist(symbol string)                               {}

func newTestOrchestrator(t *testing.T, venues map[string]core.VenueAdapter, eval core.OpportunityEvaluator) *Orchestrator {
	t.Helper()
	logger := logging.NewLogger(logging.InfoLevel, nil)
	locks := lockregistry.New(logger)
	cache := marketcache.New(venues, 4, time.Minute, logger)
	store, err := positionstore.NewFileStore(t.TempDir() + "/positions.json")
	require.NoError(t, err)
	exec := executor.New(executor.Config{}, locks, logger)
	return New(Config{MinHoursSaved: decimal.NewFromInt(2)}, venues, locks, cache, store, nil, eval, exec, nil, logger)
}

func TestRunMainCycle_OpensBothLegsOnTopOpportunity(t *testing.T) {
	hl := venue.NewMock("HL")
	prx := venue.NewMock("PRX")
	hl.SeedMarkPrice("BTC", decimal.NewFromInt(60000))
	prx.SeedMarkPrice("BTC", decimal.NewFromInt(60000))
	venues := map[string]core.VenueAdapter{"HL": hl, "PRX": prx}
	eval := &fakeEvaluator{opportunities: []core.Opportunity{
		{Symbol: "BTC", LongVenue: "HL", ShortVenue: "PRX", MaxPositionUSD: decimal.NewFromInt(1000)},
	}}
	o := newTestOrchestrator(t, venues, eval)

	require.NoError(t, o.RunMainCycle(context.Background(), []string{"BTC"}))

	pairs, err := o.store.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, core.PairComplete, pairs[0].Status)
}

func TestRunMainCycle_SkipsVenueWithOpenBreaker(t *testing.T) {
	hl := venue.NewMock("HL")
	prx := venue.NewMock("PRX")
	hl.SeedMarkPrice("BTC", decimal.NewFromInt(60000))
	prx.SeedMarkPrice("BTC", decimal.NewFromInt(60000))
	venues := map[string]core.VenueAdapter{"HL": hl, "PRX": prx}
	eval := &fakeEvaluator{opportunities: []core.Opportunity{
		{Symbol: "BTC", LongVenue: "HL", ShortVenue: "PRX", MaxPositionUSD: decimal.NewFromInt(1000)},
	}}

	logger := logging.NewLogger(logging.InfoLevel, nil)
	locks := lockregistry.New(logger)
	cache := marketcache.New(venues, 4, time.Minute, logger)
	store, err := positionstore.NewFileStore(t.TempDir() + "/positions.json")
	require.NoError(t, err)
	exec := executor.New(executor.Config{}, locks, logger)
	hlBreaker := breaker.New(breaker.Config{FailureThreshold: 1, FailureWindow: 1})
	hlBreaker.RecordFailure() // single-failure/single-window threshold trips it open immediately
	breakers := map[string]core.CircuitBreaker{"HL": hlBreaker}

	o := New(Config{MinHoursSaved: decimal.NewFromInt(2)}, venues, locks, cache, store, nil, eval, exec, breakers, logger)
	require.NoError(t, o.RunMainCycle(context.Background(), []string{"BTC"}))

	pairs, err := store.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestRunRotationCycle_ClosesExistingAndOpensCandidateWhenWorthwhile(t *testing.T) {
	hl := venue.NewMock("HL")
	prx := venue.NewMock("PRX")
	hl.SeedMarkPrice("BTC", decimal.NewFromInt(60000))
	prx.SeedMarkPrice("BTC", decimal.NewFromInt(60000))
	hl.SeedMarkPrice("ETH", decimal.NewFromInt(3000))
	prx.SeedMarkPrice("ETH", decimal.NewFromInt(3000))
	hl.SeedPosition(&core.Position{Venue: "HL", Symbol: "BTC", Side: core.SideLong, Size: decimal.NewFromInt(1)})
	prx.SeedPosition(&core.Position{Venue: "PRX", Symbol: "BTC", Side: core.SideShort, Size: decimal.NewFromInt(1)})
	venues := map[string]core.VenueAdapter{"HL": hl, "PRX": prx}

	eval := &fakeEvaluator{
		opportunities: []core.Opportunity{{Symbol: "ETH", LongVenue: "HL", ShortVenue: "PRX", MaxPositionUSD: decimal.NewFromInt(1000)}},
		existing:      core.Opportunity{Symbol: "BTC", LongVenue: "HL", ShortVenue: "PRX", BreakEvenHours: decimal.NewFromInt(10)},
		rotate:        true,
		hoursSaved:    decimal.NewFromInt(5),
	}
	o := newTestOrchestrator(t, venues, eval)
	require.NoError(t, o.cache.RefreshAll(context.Background()))

	existingPair := &core.HedgedPair{PairID: "p1", Symbol: "BTC", LongVenue: "HL", ShortVenue: "PRX", IntendedSize: decimal.NewFromInt(1), Status: core.PairComplete}
	require.NoError(t, o.store.Save(context.Background(), existingPair))
	require.NoError(t, o.store.MarkComplete(context.Background(), "p1"))

	require.NoError(t, o.RunRotationCycle(context.Background(), []string{"ETH"}))

	got, ok, err := o.store.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.PairClosed, got.Status)

	pairs, err := o.store.GetAll(context.Background())
	require.NoError(t, err)
	var openedETH bool
	for _, p := range pairs {
		if p.Symbol == "ETH" && p.Status == core.PairComplete {
			openedETH = true
		}
	}
	assert.True(t, openedETH, "expected a new COMPLETE ETH pair after rotation")
}

func TestRunRotationCycle_NoOpWithoutActivePairs(t *testing.T) {
	hl := venue.NewMock("HL")
	prx := venue.NewMock("PRX")
	venues := map[string]core.VenueAdapter{"HL": hl, "PRX": prx}
	eval := &fakeEvaluator{opportunities: []core.Opportunity{{Symbol: "ETH", LongVenue: "HL", ShortVenue: "PRX"}}, rotate: true}
	o := newTestOrchestrator(t, venues, eval)

	require.NoError(t, o.RunRotationCycle(context.Background(), []string{"ETH"}))

	pairs, err := o.store.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestClosePosition_NoOpWhenNoPosition(t *testing.T) {
	hl := venue.NewMock("HL")
	venues := map[string]core.VenueAdapter{"HL": hl}
	o := newTestOrchestrator(t, venues, &fakeEvaluator{})

	err := o.ClosePosition(context.Background(), "HL", "ETH", core.SideLong, true)
	assert.NoError(t, err)
}

func TestPartialClose_PlacesReduceOnlyOrder(t *testing.T) {
	hl := venue.NewMock("HL")
	hl.SeedPosition(&core.Position{Venue: "HL", Symbol: "BTC", Side: core.SideLong, Size: decimal.NewFromInt(2)})
	hl.SeedMarkPrice("BTC", decimal.NewFromInt(60000))
	venues := map[string]core.VenueAdapter{"HL": hl}
	o := newTestOrchestrator(t, venues, &fakeEvaluator{})
	require.NoError(t, o.cache.RefreshAll(context.Background()))

	err := o.PartialClose(context.Background(), "HL", "BTC", core.SideLong, decimal.NewFromFloat(0.5))
	require.NoError(t, err)

	orders, err := hl.GetOpenOrders(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Empty(t, orders) // AutoFill defaults true, so the reduce-only order fills immediately
}
