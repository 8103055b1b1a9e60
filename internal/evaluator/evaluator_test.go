package evaluator

import (
	"context"
	"testing"
	"time"

	"fundingkeeper/internal/core"
	"fundingkeeper/internal/venue"
	"fundingkeeper/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFunding struct {
	rates map[string]map[string]decimal.Decimal // venue -> symbol -> rate
}

func (f *fakeFunding) GetRate(ctx context.Context, venue, symbol string) (core.FundingSnapshot, error) {
	rate, ok := f.rates[venue][symbol]
	if !ok {
		return core.FundingSnapshot{}, assert.AnError
	}
	return core.FundingSnapshot{Venue: venue, Symbol: symbol, Rate: rate, ObservedAt: time.Now()}, nil
}

func (f *fakeFunding) GetPredictedSpread(ctx context.Context, symbol, longVenue, shortVenue string) (decimal.Decimal, time.Duration, decimal.Decimal, error) {
	spread := f.rates[shortVenue][symbol].Sub(f.rates[longVenue][symbol])
	return spread, 12 * time.Hour, decimal.NewFromFloat(0.8), nil
}

func newTestEvaluator(t *testing.T, funding *fakeFunding) *Evaluator {
	t.Helper()
	venues := map[string]core.VenueAdapter{"HL": venue.NewMock("HL"), "L": venue.NewMock("L")}
	feeRates := map[string]decimal.Decimal{"HL": decimal.NewFromFloat(0.0002), "L": decimal.NewFromFloat(0.0003)}
	cfg := Config{
		MinSpread:      decimal.NewFromFloat(0.0001),
		MaxPositionUSD: decimal.NewFromInt(10000),
		Leverage:       decimal.NewFromInt(2),
		MinHoursSaved:  decimal.NewFromInt(2),
	}
	e := New(cfg, funding, venues, feeRates, logging.NewLogger(logging.InfoLevel, nil))
	t.Cleanup(e.Stop)
	return e
}

func TestEvaluate_RanksByExpectedReturn(t *testing.T) {
	funding := &fakeFunding{rates: map[string]map[string]decimal.Decimal{
		"HL": {"BTC": decimal.NewFromFloat(0.0001), "ETH": decimal.NewFromFloat(0.0001)},
		"L":  {"BTC": decimal.NewFromFloat(0.0010), "ETH": decimal.NewFromFloat(0.0005)},
	}}
	e := newTestEvaluator(t, funding)

	opps, err := e.Evaluate(context.Background(), []string{"BTC-PERP", "ETH-PERP"})
	require.NoError(t, err)
	require.Len(t, opps, 2)
	assert.Equal(t, "BTC", opps[0].Symbol)
	assert.Equal(t, "HL", opps[0].LongVenue)
	assert.Equal(t, "L", opps[0].ShortVenue)
}

func TestEvaluate_ExcludesBlacklisted(t *testing.T) {
	funding := &fakeFunding{rates: map[string]map[string]decimal.Decimal{
		"HL": {"BTC": decimal.NewFromFloat(0.0001)},
		"L":  {"BTC": decimal.NewFromFloat(0.0010)},
	}}
	e := newTestEvaluator(t, funding)
	e.AutoBlacklist("BTC", "repeated execution failure", time.Hour)

	opps, err := e.Evaluate(context.Background(), []string{"BTC-PERP"})
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestEvaluate_ExcludesBelowMinSpread(t *testing.T) {
	funding := &fakeFunding{rates: map[string]map[string]decimal.Decimal{
		"HL": {"BTC": decimal.NewFromFloat(0.0001)},
		"L":  {"BTC": decimal.NewFromFloat(0.00011)},
	}}
	e := newTestEvaluator(t, funding)

	opps, err := e.Evaluate(context.Background(), []string{"BTC-PERP"})
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestShouldRotate_RequiresMinHoursSaved(t *testing.T) {
	e := newTestEvaluator(t, &fakeFunding{rates: map[string]map[string]decimal.Decimal{}})
	existing := core.Opportunity{BreakEvenHours: decimal.NewFromInt(10)}
	candidate := core.Opportunity{LongVenue: "HL", ShortVenue: "L", BreakEvenHours: decimal.NewFromInt(2), PredictedSpread: decimal.NewFromFloat(0.001)}

	rotate, saved := e.ShouldRotate(context.Background(), existing, candidate)
	assert.True(t, rotate)
	assert.True(t, saved.GreaterThan(decimal.NewFromInt(2)))
}

func TestEvaluateExisting_ComputesBreakEvenForOpenPair(t *testing.T) {
	funding := &fakeFunding{rates: map[string]map[string]decimal.Decimal{
		"HL": {"BTC": decimal.NewFromFloat(0.0001)},
		"L":  {"BTC": decimal.NewFromFloat(0.0010)},
	}}
	e := newTestEvaluator(t, funding)

	opp, err := e.EvaluateExisting(context.Background(), "BTC", "HL", "L")
	require.NoError(t, err)
	assert.Equal(t, "HL", opp.LongVenue)
	assert.Equal(t, "L", opp.ShortVenue)
	assert.True(t, opp.Spread.Equal(decimal.NewFromFloat(0.0009)))
	assert.True(t, opp.BreakEvenHours.GreaterThan(decimal.Zero))
}

func TestBlacklist_ClearRemovesEntry(t *testing.T) {
	e := newTestEvaluator(t, &fakeFunding{rates: map[string]map[string]decimal.Decimal{}})
	e.AutoBlacklist("SOL", "test", time.Hour)
	assert.True(t, e.IsBlacklisted("SOL-PERP"))
	e.ClearBlacklist("SOL")
	assert.False(t, e.IsBlacklisted("SOL-PERP"))
}
