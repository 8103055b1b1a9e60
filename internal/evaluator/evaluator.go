// Package evaluator implements the Opportunity Evaluator of spec.md §4.4:
// it ranks candidate hedged pairs by predicted funding-rate spread income,
// applies the blacklist/cooldown/existing-pair filters, and decides whether
// a rotation out of an existing pair is worth the churn cost.
//
// The symbol scan fans out over a worker pool exactly like the teacher's
// UniverseSelector.Scan/startWorkers pattern; the dynamic blacklist's
// TTL-expiring entries are grounded on the teacher's historyCache.
package evaluator

import (
	"context"
	"sort"
	"sync"
	"time"

	"fundingkeeper/internal/core"
	"fundingkeeper/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// Config holds the thresholds spec.md §4.4 names.
type Config struct {
	MinSpread          decimal.Decimal
	MaxPositionUSD     decimal.Decimal
	Leverage           decimal.Decimal
	MinHoursSaved      decimal.Decimal
	StaticBlacklist    []string
	ScanPoolSize       int
	AutoBlacklistAfter int // stored only; the Evaluator does not count execution failures
}

type blacklistEntry struct {
	reason  string
	expires time.Time // zero means permanent (static)
}

type cooldownEntry struct {
	until time.Time
}

// Evaluator implements core.OpportunityEvaluator.
type Evaluator struct {
	cfg      Config
	logger   core.ILogger
	funding  core.FundingSource
	venues   map[string]core.VenueAdapter
	feeRates map[string]decimal.Decimal // venue -> fee rate
	pool     *concurrency.WorkerPool

	mu              sync.RWMutex
	blacklist       map[string]blacklistEntry
	profitCooldowns map[string]cooldownEntry
	activeSymbols   map[string]bool // normalized symbol -> has a COMPLETE pair
}

// New builds an Evaluator over the given venues and funding source.
func New(cfg Config, funding core.FundingSource, venues map[string]core.VenueAdapter, feeRates map[string]decimal.Decimal, logger core.ILogger) *Evaluator {
	log := logger.WithField("component", "evaluator")
	poolSize := cfg.ScanPoolSize
	if poolSize <= 0 {
		poolSize = 8
	}
	e := &Evaluator{
		cfg:             cfg,
		logger:          log,
		funding:         funding,
		venues:          venues,
		feeRates:        feeRates,
		pool:            concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "evaluator_scan", MaxWorkers: poolSize}, log),
		blacklist:       make(map[string]blacklistEntry),
		profitCooldowns: make(map[string]cooldownEntry),
		activeSymbols:   make(map[string]bool),
	}
	for _, s := range cfg.StaticBlacklist {
		e.blacklist[core.NormalizeSymbol(s)] = blacklistEntry{reason: "static config"}
	}
	return e
}

// MarkActivePair records that symbol currently has a COMPLETE pair open, so
// the existing-pair filter (rule 3) excludes it from new-pair search.
func (e *Evaluator) MarkActivePair(symbol string, active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	norm := core.NormalizeSymbol(symbol)
	if active {
		e.activeSymbols[norm] = true
	} else {
		delete(e.activeSymbols, norm)
	}
}

// MarkProfitTakeCooldown registers rule 4's cooldown after a ≥50% partial
// profit-take, expiring after cooldown.
func (e *Evaluator) MarkProfitTakeCooldown(symbol string, cooldown time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profitCooldowns[core.NormalizeSymbol(symbol)] = cooldownEntry{until: time.Now().Add(cooldown)}
}

func (e *Evaluator) IsBlacklisted(symbol string) bool {
	norm := core.NormalizeSymbol(symbol)
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.blacklist[norm]
	if !ok {
		return false
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		return false
	}
	return true
}

func (e *Evaluator) AutoBlacklist(symbol, reason string, ttl time.Duration) {
	norm := core.NormalizeSymbol(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blacklist[norm] = blacklistEntry{reason: reason, expires: time.Now().Add(ttl)}
	e.logger.Warn("auto-blacklisted symbol", "symbol", norm, "reason", reason, "ttl", ttl)
}

func (e *Evaluator) ClearBlacklist(symbol string) {
	norm := core.NormalizeSymbol(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.blacklist, norm)
}

// BlacklistEntry is a read-only view of one blacklisted symbol, for the
// diagnostics surface's /keeper/market-quality endpoint.
type BlacklistEntry struct {
	Symbol  string
	Reason  string
	Expires time.Time // zero means permanent (static)
}

// ListBlacklist returns every currently-effective blacklist entry. Not part
// of core.OpportunityEvaluator.
func (e *Evaluator) ListBlacklist() []BlacklistEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]BlacklistEntry, 0, len(e.blacklist))
	now := time.Now()
	for symbol, entry := range e.blacklist {
		if !entry.expires.IsZero() && now.After(entry.expires) {
			continue
		}
		out = append(out, BlacklistEntry{Symbol: symbol, Reason: entry.reason, Expires: entry.expires})
	}
	return out
}

func (e *Evaluator) inProfitCooldown(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.profitCooldowns[core.NormalizeSymbol(symbol)]
	return ok && time.Now().Before(c.until)
}

func (e *Evaluator) hasActivePair(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeSymbols[core.NormalizeSymbol(symbol)]
}

// Evaluate scans symbols in parallel (worker-pool fan-out, one task per
// symbol) and returns opportunities ranked by rule 5.
func (e *Evaluator) Evaluate(ctx context.Context, symbols []string) ([]core.Opportunity, error) {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		opps []core.Opportunity
	)

	for _, raw := range symbols {
		symbol := raw
		norm := core.NormalizeSymbol(symbol)
		if e.IsBlacklisted(norm) || e.hasActivePair(norm) || e.inProfitCooldown(norm) {
			continue
		}

		wg.Add(1)
		_ = e.pool.Submit(func() {
			defer wg.Done()
			opp, ok := e.scanSymbol(ctx, norm)
			if !ok {
				return
			}
			mu.Lock()
			opps = append(opps, opp)
			mu.Unlock()
		})
	}
	wg.Wait()

	sort.Slice(opps, func(i, j int) bool {
		if !opps[i].ExpectedReturnPerHour.Equal(opps[j].ExpectedReturnPerHour) {
			return opps[i].ExpectedReturnPerHour.GreaterThan(opps[j].ExpectedReturnPerHour)
		}
		return opps[i].Confidence.GreaterThan(opps[j].Confidence)
	})
	return opps, nil
}

func (e *Evaluator) scanSymbol(ctx context.Context, symbol string) (core.Opportunity, bool) {
	type rate struct {
		venue string
		snap  core.FundingSnapshot
	}
	var rates []rate
	for name := range e.venues {
		snap, err := e.funding.GetRate(ctx, name, symbol)
		if err != nil {
			continue
		}
		rates = append(rates, rate{venue: name, snap: snap})
	}
	if len(rates) < 2 {
		return core.Opportunity{}, false
	}

	sort.Slice(rates, func(i, j int) bool { return rates[i].snap.Rate.LessThan(rates[j].snap.Rate) })
	longVenue := rates[0]  // pay least / receive most when short elsewhere: go long where rate is lowest
	shortVenue := rates[len(rates)-1]
	if longVenue.venue == shortVenue.venue {
		return core.Opportunity{}, false
	}

	spread := shortVenue.snap.Rate.Sub(longVenue.snap.Rate)
	if spread.LessThan(e.cfg.MinSpread) {
		return core.Opportunity{}, false
	}

	predictedSpread, horizon, confidence, err := e.funding.GetPredictedSpread(ctx, symbol, longVenue.venue, shortVenue.venue)
	if err != nil {
		predictedSpread, confidence = spread, decimal.NewFromFloat(0.5)
		horizon = 24 * time.Hour
	}

	expectedReturnPerHour := predictedSpread.Mul(e.cfg.MaxPositionUSD)
	breakEvenHours := e.breakEvenHours(longVenue.venue, shortVenue.venue, predictedSpread)

	return core.Opportunity{
		Symbol:                symbol,
		LongVenue:             longVenue.venue,
		ShortVenue:            shortVenue.venue,
		LongRate:              longVenue.snap.Rate,
		ShortRate:             shortVenue.snap.Rate,
		Spread:                spread,
		PredictedSpread:       predictedSpread,
		Confidence:            confidence,
		ExpectedReturnPerHour: expectedReturnPerHour,
		MaxPositionUSD:        e.cfg.MaxPositionUSD,
		BreakEvenHours:        breakEvenHours,
	}, true
}

// EvaluateExisting computes the current break-even for an already-open pair
// on its own venues, so the rotation loop can compare it against a scan
// candidate's break-even via ShouldRotate.
func (e *Evaluator) EvaluateExisting(ctx context.Context, symbol, longVenue, shortVenue string) (core.Opportunity, error) {
	longSnap, err := e.funding.GetRate(ctx, longVenue, symbol)
	if err != nil {
		return core.Opportunity{}, err
	}
	shortSnap, err := e.funding.GetRate(ctx, shortVenue, symbol)
	if err != nil {
		return core.Opportunity{}, err
	}
	spread := shortSnap.Rate.Sub(longSnap.Rate)

	predictedSpread, _, confidence, err := e.funding.GetPredictedSpread(ctx, symbol, longVenue, shortVenue)
	if err != nil {
		predictedSpread, confidence = spread, decimal.NewFromFloat(0.5)
	}

	return core.Opportunity{
		Symbol:                symbol,
		LongVenue:             longVenue,
		ShortVenue:            shortVenue,
		LongRate:              longSnap.Rate,
		ShortRate:             shortSnap.Rate,
		Spread:                spread,
		PredictedSpread:       predictedSpread,
		Confidence:            confidence,
		ExpectedReturnPerHour: predictedSpread.Mul(e.cfg.MaxPositionUSD),
		MaxPositionUSD:        e.cfg.MaxPositionUSD,
		BreakEvenHours:        e.breakEvenHours(longVenue, shortVenue, predictedSpread),
	}, nil
}

// churnCostHours converts the round-trip fee cost of closing and reopening a
// pair (long-fee + short-fee) × 2 into hours of expected spread income at
// the given hourly spread.
func (e *Evaluator) churnCostHours(longVenue, shortVenue string, hourlySpread decimal.Decimal) decimal.Decimal {
	if hourlySpread.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(999)
	}
	churnCost := e.feeRates[longVenue].Add(e.feeRates[shortVenue]).Mul(decimal.NewFromInt(2))
	return churnCost.Div(hourlySpread)
}

func (e *Evaluator) breakEvenHours(longVenue, shortVenue string, hourlySpread decimal.Decimal) decimal.Decimal {
	return e.churnCostHours(longVenue, shortVenue, hourlySpread)
}

// ShouldRotate implements rule 6: replacing existing pair P with candidate C
// is worthwhile only if C's break-even plus the churn cost of closing P and
// opening C beats P's current break-even by more than minHoursSaved.
func (e *Evaluator) ShouldRotate(ctx context.Context, existing core.Opportunity, candidate core.Opportunity) (bool, decimal.Decimal) {
	churn := e.churnCostHours(candidate.LongVenue, candidate.ShortVenue, candidate.PredictedSpread)
	newCost := candidate.BreakEvenHours.Add(churn)
	hoursSaved := existing.BreakEvenHours.Sub(newCost)
	return hoursSaved.GreaterThan(e.cfg.MinHoursSaved), hoursSaved
}

// Stop releases the scan worker pool.
func (e *Evaluator) Stop() {
	e.pool.Stop()
}

var _ core.OpportunityEvaluator = (*Evaluator)(nil)
