package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"fundingkeeper/internal/core"
	"fundingkeeper/internal/evaluator"
	"fundingkeeper/internal/lockregistry"
	"fundingkeeper/internal/perf"
	"fundingkeeper/internal/positionstore"
	"fundingkeeper/internal/venue"
	"fundingkeeper/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFunding struct{}

func (fakeFunding) GetRate(ctx context.Context, venue, symbol string) (core.FundingSnapshot, error) {
	return core.FundingSnapshot{Venue: venue, Symbol: symbol, Rate: decimal.NewFromFloat(0.0001)}, nil
}

func (fakeFunding) GetPredictedSpread(ctx context.Context, symbol, longVenue, shortVenue string) (decimal.Decimal, time.Duration, decimal.Decimal, error) {
	return decimal.NewFromFloat(0.0002), time.Hour, decimal.NewFromFloat(0.8), nil
}

type fakeActions struct {
	placed []string
}

func (f *fakeActions) ClosePosition(ctx context.Context, venue, symbol string, side core.PositionSide, reduceOnlyMarket bool) error {
	return nil
}

func (f *fakeActions) PlaceOrder(ctx context.Context, v core.VenueAdapter, req core.PlaceOrderRequest, threadID string) (*core.Order, error) {
	f.placed = append(f.placed, req.Symbol)
	return &core.Order{OrderID: "order-1", Venue: v.Name(), Symbol: req.Symbol, Side: req.Side, Status: core.OrderFilled}, nil
}

func (f *fakeActions) PartialClose(ctx context.Context, venue, symbol string, side core.PositionSide, fraction decimal.Decimal) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeActions) {
	logger := logging.NewLogger(logging.InfoLevel, nil)
	locks := lockregistry.New(logger)
	store, err := positionstore.NewFileStore(filepath.Join(t.TempDir(), "positions.json"))
	require.NoError(t, err)
	eval := evaluator.New(evaluator.Config{MinSpread: decimal.NewFromFloat(0.0001), MaxPositionUSD: decimal.NewFromInt(1000)}, fakeFunding{}, map[string]core.VenueAdapter{}, map[string]decimal.Decimal{}, logger)
	perfLog := perf.New()
	hm := healthManagerAllGood()
	actions := &fakeActions{}

	mockVenue := venue.NewMock("okx")
	srv := New(Config{
		Addr:    "127.0.0.1:0",
		Venues:  map[string]core.VenueAdapter{"okx": mockVenue},
		Locks:   locks,
		Store:   store,
		Evaluator: eval,
		PerfLog: perfLog,
		Health:  hm,
		Actions: actions,
	}, logger)
	return srv, actions
}

func healthManagerAllGood() core.HealthMonitor {
	return fakeHealth{}
}

type fakeHealth struct{}

func (fakeHealth) Register(component string, check func() error) {}
func (fakeHealth) Status() map[string]string                     { return map[string]string{"core": "Healthy"} }
func (fakeHealth) IsHealthy() bool                                { return true }

func TestHandleStatus_ReportsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/keeper/status", nil)
	rec := httptest.NewRecorder()

	srv.handleStatus(rec, req)

	assert.Equal(t, 200, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandlePositions_ReturnsStoredPairs(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.store.Save(context.Background(), &core.HedgedPair{PairID: "p1", Symbol: "BTC", Status: core.PairPending}))

	req := httptest.NewRequest("GET", "/keeper/positions", nil)
	rec := httptest.NewRecorder()
	srv.handlePositions(rec, req)

	assert.Equal(t, 200, rec.Code)
	var pairs []core.HedgedPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pairs))
	assert.Len(t, pairs, 1)
	assert.Equal(t, "p1", pairs[0].PairID)
}

func TestHandleBlacklistAddThenRemove(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(blacklistRequest{Symbol: "DOGE", Reason: "manual test"})
	req := httptest.NewRequest("POST", "/keeper/market-quality/blacklist", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleBlacklistAdd(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, srv.eval.IsBlacklisted("DOGE"))

	delReq := httptest.NewRequest("DELETE", "/keeper/market-quality/blacklist/DOGE", nil)
	delRec := httptest.NewRecorder()
	srv.handleBlacklistRemove(delRec, delReq)
	assert.Equal(t, 200, delRec.Code)
	assert.False(t, srv.eval.IsBlacklisted("DOGE"))
}

func TestHandleExecute_PlacesOrderThroughActions(t *testing.T) {
	srv, actions := newTestServer(t)

	body, _ := json.Marshal(executeRequest{
		Venue:  "okx",
		Symbol: "BTC-PERP",
		Side:   core.SideLong,
		Type:   core.OrderTypeMarket,
		Size:   decimal.NewFromInt(1),
	})
	req := httptest.NewRequest("POST", "/keeper/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleExecute(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, []string{"BTC-PERP"}, actions.placed)
}

func TestHandleExecute_UnknownVenueReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(executeRequest{Venue: "nope", Symbol: "BTC", Size: decimal.NewFromInt(1)})
	req := httptest.NewRequest("POST", "/keeper/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleExecute(rec, req)

	assert.Equal(t, 404, rec.Code)
}
