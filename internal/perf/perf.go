// Package perf implements the Performance Logger of spec.md §2: it
// accumulates realized funding capture and trading cost per symbol and
// surfaces a realized/estimated APY the Opportunity Evaluator can weigh
// alongside a fresh prediction. The annualization math is grounded on the
// teacher's arbitrage.AnnualizeSpread (periods-per-year over a funding
// interval, generalized from a spread input to a realized-return input).
package perf

import (
	"context"
	"sync"
	"time"

	"fundingkeeper/internal/core"
	"fundingkeeper/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// SymbolStats is the accumulated performance record for one normalized
// symbol since it was first opened (or since the last reset).
type SymbolStats struct {
	Symbol            string
	FundingCaptured   decimal.Decimal
	TradingCost       decimal.Decimal
	HoursHeld         decimal.Decimal
	RealizedAPY       decimal.Decimal
	OpenedAt          time.Time
	LastUpdated       time.Time
}

// Logger accumulates per-symbol performance in memory. It is a read model:
// the figures it reports are derived from funding payments and order fills
// the caller already observed, not fetched independently.
type Logger struct {
	mu    sync.RWMutex
	stats map[string]*SymbolStats
}

// New creates an empty Performance Logger.
func New() *Logger {
	return &Logger{stats: make(map[string]*SymbolStats)}
}

// RecordFundingCapture adds one funding-epoch payment for symbol (positive
// for a received payment, negative for a paid one).
func (l *Logger) RecordFundingCapture(symbol string, amount decimal.Decimal) {
	s := l.entry(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	s.FundingCaptured = s.FundingCaptured.Add(amount)
	s.LastUpdated = time.Now()
	l.recomputeAPY(s)
	telemetry.GetGlobalMetrics().RecordFundingCapture(context.Background(), symbol, amount.InexactFloat64())
}

// RecordTradingCost adds fees/slippage paid opening, rotating, or closing a
// symbol's hedged pair.
func (l *Logger) RecordTradingCost(symbol string, cost decimal.Decimal) {
	s := l.entry(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	s.TradingCost = s.TradingCost.Add(cost)
	s.LastUpdated = time.Now()
	l.recomputeAPY(s)
}

// MarkOpened records when a symbol's current hedged pair was opened, so
// HoursHeld and the APY annualization have a start time.
func (l *Logger) MarkOpened(symbol string) {
	s := l.entry(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	s.OpenedAt = time.Now()
}

// recomputeAPY must be called with l.mu held. It annualizes net captured
// return (funding minus cost) over hours held so far, the same
// periods-per-year projection the teacher uses for a funding spread.
func (l *Logger) recomputeAPY(s *SymbolStats) {
	if s.OpenedAt.IsZero() {
		return
	}
	hoursHeld := decimal.NewFromFloat(time.Since(s.OpenedAt).Hours())
	if hoursHeld.Sign() <= 0 {
		return
	}
	s.HoursHeld = hoursHeld
	net := s.FundingCaptured.Sub(s.TradingCost)
	s.RealizedAPY = net.Div(hoursHeld).Mul(decimal.NewFromInt(365 * 24))
}

func (l *Logger) entry(symbol string) *SymbolStats {
	norm := core.NormalizeSymbol(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stats[norm]
	if !ok {
		s = &SymbolStats{Symbol: norm}
		l.stats[norm] = s
	}
	return s
}

// Get returns a copy of one symbol's stats.
func (l *Logger) Get(symbol string) (SymbolStats, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.stats[core.NormalizeSymbol(symbol)]
	if !ok {
		return SymbolStats{}, false
	}
	return *s, true
}

// All returns a copy of every tracked symbol's stats, for the diagnostics
// surface's /keeper/performance endpoint.
func (l *Logger) All() []SymbolStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SymbolStats, 0, len(l.stats))
	for _, s := range l.stats {
		out = append(out, *s)
	}
	return out
}

// Reset clears one symbol's accumulated stats, used when a pair fully
// closes and a future reopen should start a fresh APY clock.
func (l *Logger) Reset(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.stats, core.NormalizeSymbol(symbol))
}
