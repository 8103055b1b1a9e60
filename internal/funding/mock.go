// Package funding provides a seedable stand-in for the external funding-rate
// prediction collaborator (spec.md §6's FundingSource). A real
// implementation would poll each venue's funding-rate endpoint and feed a
// prediction model; both are out of this module's scope per spec.md's
// Non-goals, so this mirrors the same seed-then-read shape as
// internal/venue.Mock to keep the rest of the system wireable end to end.
package funding

import (
	"context"
	"sync"
	"time"

	"fundingkeeper/internal/core"
	apperrors "fundingkeeper/pkg/errors"

	"github.com/shopspring/decimal"
)

type rateKey struct {
	venue, symbol string
}

// Mock implements core.FundingSource over a seeded map of current rates,
// with a configurable predicted spread (defaulting to the unadjusted
// current spread between two seeded venues).
type Mock struct {
	mu   sync.RWMutex
	rate map[rateKey]decimal.Decimal

	PredictedSpreadOverride decimal.Decimal // zero means "derive from seeded rates"
	ReversionHorizon        time.Duration
	Confidence              decimal.Decimal
}

// NewMock creates an empty Mock funding source.
func NewMock() *Mock {
	return &Mock{
		rate:             make(map[rateKey]decimal.Decimal),
		ReversionHorizon: 24 * time.Hour,
		Confidence:       decimal.NewFromFloat(0.6),
	}
}

// SeedRate sets the current funding rate a venue reports for symbol.
func (m *Mock) SeedRate(venue, symbol string, rate decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rate[rateKey{venue: core.NormalizeSymbol(venue), symbol: core.NormalizeSymbol(symbol)}] = rate
}

func (m *Mock) GetRate(ctx context.Context, venue, symbol string) (core.FundingSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rate, ok := m.rate[rateKey{venue: core.NormalizeSymbol(venue), symbol: core.NormalizeSymbol(symbol)}]
	if !ok {
		return core.FundingSnapshot{}, apperrors.ErrNoFundingData
	}
	return core.FundingSnapshot{
		Venue:         venue,
		Symbol:        symbol,
		Rate:          rate,
		NextFundingAt: time.Now().Add(time.Hour),
		ObservedAt:    time.Now(),
	}, nil
}

func (m *Mock) GetPredictedSpread(ctx context.Context, symbol, longVenue, shortVenue string) (decimal.Decimal, time.Duration, decimal.Decimal, error) {
	if !m.PredictedSpreadOverride.IsZero() {
		return m.PredictedSpreadOverride, m.ReversionHorizon, m.Confidence, nil
	}
	longSnap, err := m.GetRate(ctx, longVenue, symbol)
	if err != nil {
		return decimal.Zero, 0, decimal.Zero, err
	}
	shortSnap, err := m.GetRate(ctx, shortVenue, symbol)
	if err != nil {
		return decimal.Zero, 0, decimal.Zero, err
	}
	return shortSnap.Rate.Sub(longSnap.Rate), m.ReversionHorizon, m.Confidence, nil
}

var _ core.FundingSource = (*Mock)(nil)
