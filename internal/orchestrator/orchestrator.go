// Package orchestrator wires the Execution-Lock Registry, Market-State
// Cache, Position-State Store, Opportunity Evaluator, Order Executor,
// Guardian and Reconciler into the single top-level CoreActions
// implementation spec.md §9 calls for, breaking the otherwise-cyclic
// Reconciler<->Guardian<->Orchestrator dependency: the supervisors receive
// this type through the core.CoreActions interface at construction time
// instead of importing it.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"fundingkeeper/internal/core"
	"fundingkeeper/internal/safety"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Orchestrator implements core.CoreActions and drives the hourly open-pair
// cycle (spec.md §4.8's main cycle).
type Orchestrator struct {
	logger core.ILogger
	venues map[string]core.VenueAdapter
	locks  core.LockRegistry
	cache  core.MarketStateCache
	store  core.PositionStore
	side   core.SideStore
	eval   core.OpportunityEvaluator
	exec   core.OrderExecutor
	breakers map[string]core.CircuitBreaker // per-venue, guards new-position opens only
	safety   *safety.Checker                // pre-trade account/connectivity checks; nil disables them

	minHoursSaved       decimal.Decimal
	executionCooldown   time.Duration
	maxLeverage         decimal.Decimal
}

// Config holds the orchestrator-level knobs spec.md §6's KEEPER/ROTATION
// options name.
type Config struct {
	MinHoursSaved     decimal.Decimal
	ExecutionCooldown time.Duration
}

// New builds an Orchestrator. It does not start anything; callers Start the
// Guardian/Reconciler/Scheduler separately once this is injected into them.
func New(cfg Config, venues map[string]core.VenueAdapter, locks core.LockRegistry, cache core.MarketStateCache, store core.PositionStore, side core.SideStore, eval core.OpportunityEvaluator, exec core.OrderExecutor, breakers map[string]core.CircuitBreaker, logger core.ILogger) *Orchestrator {
	if cfg.ExecutionCooldown <= 0 {
		cfg.ExecutionCooldown = time.Minute
	}
	return &Orchestrator{
		logger:            logger.WithField("component", "orchestrator"),
		venues:            venues,
		locks:             locks,
		cache:             cache,
		store:             store,
		side:              side,
		eval:              eval,
		exec:              exec,
		breakers:          breakers,
		minHoursSaved:     cfg.MinHoursSaved,
		executionCooldown: cfg.ExecutionCooldown,
	}
}

// SetSafetyChecker wires the pre-trade safety checker openPair runs before
// committing capital to a fresh pair. Optional; with none set, openPair
// relies solely on the executor/breaker layer to catch a bad venue.
func (o *Orchestrator) SetSafetyChecker(c *safety.Checker, maxLeverage decimal.Decimal) {
	o.safety = c
	o.maxLeverage = maxLeverage
}

// breakerAllows reports whether venueName's circuit breaker currently
// permits a new-position open. A venue with no configured breaker is always
// allowed.
func (o *Orchestrator) breakerAllows(venueName string) bool {
	cb, ok := o.breakers[venueName]
	if !ok || cb == nil {
		return true
	}
	return cb.Allow()
}

func (o *Orchestrator) recordBreakerResult(venueName string, err error) {
	cb, ok := o.breakers[venueName]
	if !ok || cb == nil {
		return
	}
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
}

// ClosePosition implements core.CoreActions: fully close one leg, reduce-only.
// reduceOnlyMarket selects a MARKET/IOC close over a resting LIMIT/GTC one.
func (o *Orchestrator) ClosePosition(ctx context.Context, venueName, symbol string, side core.PositionSide, reduceOnlyMarket bool) error {
	pos, ok := o.cache.GetPosition(venueName, symbol, side)
	if !ok || pos.IsDust() {
		return nil
	}
	return o.closeFraction(ctx, venueName, symbol, side, decimal.NewFromInt(1), reduceOnlyMarket)
}

// PartialClose implements core.CoreActions: close a fraction of one leg via
// a reduce-only MARKET IOC order, per the profit-taking routine.
func (o *Orchestrator) PartialClose(ctx context.Context, venueName, symbol string, side core.PositionSide, fraction decimal.Decimal) error {
	return o.closeFraction(ctx, venueName, symbol, side, fraction, true)
}

func (o *Orchestrator) closeFraction(ctx context.Context, venueName, symbol string, side core.PositionSide, fraction decimal.Decimal, market bool) error {
	v, ok := o.venues[venueName]
	if !ok {
		return fmt.Errorf("unknown venue %s", venueName)
	}
	pos, ok := o.cache.GetPosition(venueName, symbol, side)
	if !ok || pos.IsDust() {
		return nil
	}
	size := pos.Size.Abs().Mul(fraction)
	closingSide := core.SideShort
	if side == core.SideShort {
		closingSide = core.SideLong
	}

	req := core.PlaceOrderRequest{Symbol: symbol, Side: closingSide, Size: size, ReduceOnly: true}
	if market {
		req.Type = core.OrderTypeMarket
		req.TimeInForce = core.TIFIOC
	} else {
		req.Type = core.OrderTypeLimit
		req.TimeInForce = core.TIFGTC
		if mark, ok := o.cache.GetMarkPrice(venueName, symbol); ok {
			req.Price = mark
		}
	}

	threadID := uuid.NewString()
	_, err := o.exec.PlaceAndWait(ctx, v, req, threadID)
	return err
}

// PlaceOrder implements core.CoreActions by delegating straight to the
// Order Executor, giving the Reconciler's single-leg recovery the same
// slot/backoff/cancel contract every other order placement uses.
func (o *Orchestrator) PlaceOrder(ctx context.Context, v core.VenueAdapter, req core.PlaceOrderRequest, threadID string) (*core.Order, error) {
	return o.exec.PlaceAndWait(ctx, v, req, threadID)
}

// RunMainCycle is the hourly entry point (spec.md §4.8's MAIN_CYCLE_CRON):
// scan every symbol, then, under the global lock, try to open every returned
// opportunity in rank order, skipping symbols still in execution cooldown.
func (o *Orchestrator) RunMainCycle(ctx context.Context, symbols []string) error {
	opportunities, err := o.eval.Evaluate(ctx, symbols)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if len(opportunities) == 0 {
		return nil
	}

	threadID := uuid.NewString()
	if !o.locks.TryAcquireGlobalLock(threadID, "main_cycle") {
		o.logger.Debug("main cycle skipped: global lock held")
		return nil
	}
	defer o.locks.ReleaseGlobalLock(threadID)

	for _, opp := range opportunities {
		if o.locks.IsInExecutionCooldown(opp.Symbol, o.executionCooldown) {
			continue
		}
		if err := o.openPair(ctx, threadID, opp); err != nil {
			o.logger.Warn("open pair failed", "symbol", opp.Symbol, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) openPair(ctx context.Context, threadID string, opp core.Opportunity) error {
	if !o.locks.TryAcquireSymbolLock(opp.Symbol, threadID, "open_pair") {
		return nil
	}
	defer o.locks.ReleaseSymbolLock(opp.Symbol, threadID)

	longVenue, ok := o.venues[opp.LongVenue]
	if !ok {
		return fmt.Errorf("unknown venue %s", opp.LongVenue)
	}
	shortVenue, ok := o.venues[opp.ShortVenue]
	if !ok {
		return fmt.Errorf("unknown venue %s", opp.ShortVenue)
	}
	if !o.breakerAllows(opp.LongVenue) || !o.breakerAllows(opp.ShortVenue) {
		o.logger.Debug("open pair skipped: circuit breaker open", "symbol", opp.Symbol, "long_venue", opp.LongVenue, "short_venue", opp.ShortVenue)
		return nil
	}

	size := opp.MaxPositionUSD

	if o.safety != nil {
		if err := o.safety.CheckDistinctVenues(opp.LongVenue, opp.ShortVenue); err != nil {
			return fmt.Errorf("pre-trade safety check: %w", err)
		}
		if err := o.safety.CheckAccountSafety(ctx, longVenue, opp.Symbol, size, o.maxLeverage); err != nil {
			o.logger.Warn("open pair skipped: long venue failed safety check", "symbol", opp.Symbol, "error", err)
			return nil
		}
		if err := o.safety.CheckAccountSafety(ctx, shortVenue, opp.Symbol, size, o.maxLeverage); err != nil {
			o.logger.Warn("open pair skipped: short venue failed safety check", "symbol", opp.Symbol, "error", err)
			return nil
		}
	}

	pairID := uuid.NewString()
	pair := &core.HedgedPair{
		PairID: pairID, Symbol: opp.Symbol, LongVenue: opp.LongVenue, ShortVenue: opp.ShortVenue,
		IntendedSize: size, Status: core.PairPending, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := o.store.Save(ctx, pair); err != nil {
		return fmt.Errorf("persist pair intent: %w", err)
	}

	longReq := core.PlaceOrderRequest{Symbol: opp.Symbol, Side: core.SideLong, Type: core.OrderTypeLimit, TimeInForce: core.TIFGTC, Size: size}
	shortReq := core.PlaceOrderRequest{Symbol: opp.Symbol, Side: core.SideShort, Type: core.OrderTypeLimit, TimeInForce: core.TIFGTC, Size: size}

	longOrder, longErr := o.exec.PlaceAndWait(ctx, longVenue, longReq, threadID)
	o.recordBreakerResult(opp.LongVenue, longErr)
	shortOrder, shortErr := o.exec.PlaceAndWait(ctx, shortVenue, shortReq, threadID)
	o.recordBreakerResult(opp.ShortVenue, shortErr)

	switch {
	case longErr == nil && shortErr == nil:
		_ = o.store.MarkComplete(ctx, pairID)
		o.locks.MarkExecutionCompleted(opp.Symbol)
		if o.side != nil {
			_ = o.side.RecordOrder(ctx, longOrder)
			_ = o.side.RecordOrder(ctx, shortOrder)
		}
	case longErr == nil && shortErr != nil:
		_ = o.store.MarkSingleLeg(ctx, pairID, true, false)
		o.logger.Error("short leg failed after long filled, single-leg recovery will engage", "symbol", opp.Symbol, "error", shortErr)
	case longErr != nil && shortErr == nil:
		_ = o.store.MarkSingleLeg(ctx, pairID, false, true)
		o.logger.Error("long leg failed after short filled, single-leg recovery will engage", "symbol", opp.Symbol, "error", longErr)
	default:
		_ = o.store.MarkClosed(ctx, pairID)
		return fmt.Errorf("both legs failed: long=%v short=%v", longErr, shortErr)
	}
	return nil
}

// RunRotationCycle implements the spec.md §4.4 rule 6 / §4.8 spread-rotation
// cadence: for each COMPLETE pair, compare its current break-even against
// the best scan candidate not already occupying a symbol, and rotate into
// the candidate when ShouldRotate clears minHoursSaved.
func (o *Orchestrator) RunRotationCycle(ctx context.Context, symbols []string) error {
	active, err := o.store.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("get active pairs: %w", err)
	}
	if len(active) == 0 {
		return nil
	}

	candidates, err := o.eval.Evaluate(ctx, symbols)
	if err != nil {
		return fmt.Errorf("evaluate rotation candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	for _, pair := range active {
		if pair.Status != core.PairComplete {
			continue
		}
		existing, err := o.eval.EvaluateExisting(ctx, pair.Symbol, pair.LongVenue, pair.ShortVenue)
		if err != nil {
			o.logger.Debug("rotation skipped: could not evaluate existing pair", "symbol", pair.Symbol, "error", err)
			continue
		}

		for _, candidate := range candidates {
			if core.NormalizeSymbol(candidate.Symbol) == core.NormalizeSymbol(pair.Symbol) {
				continue
			}
			rotate, hoursSaved := o.eval.ShouldRotate(ctx, existing, candidate)
			if !rotate {
				continue
			}
			if err := o.rotatePair(ctx, pair, candidate); err != nil {
				o.logger.Warn("rotation failed", "from_symbol", pair.Symbol, "to_symbol", candidate.Symbol, "error", err)
			} else {
				o.logger.Info("rotated pair", "from_symbol", pair.Symbol, "to_symbol", candidate.Symbol, "hours_saved", hoursSaved)
			}
			break
		}
	}
	return nil
}

// rotatePair closes existing fully and opens candidate, holding both symbol
// locks under one thread ID for the duration per the lock-ordering
// hierarchy (global lock acquired by the caller's scheduler tick already
// isn't held here — rotation runs independently of the main cycle).
func (o *Orchestrator) rotatePair(ctx context.Context, existing *core.HedgedPair, candidate core.Opportunity) error {
	threadID := uuid.NewString()
	if !o.locks.TryAcquireSymbolPair(existing.Symbol, candidate.Symbol, threadID, "rotation") {
		return nil
	}
	defer o.locks.ReleaseSymbolLock(existing.Symbol, threadID)
	defer o.locks.ReleaseSymbolLock(candidate.Symbol, threadID)

	if err := o.ClosePosition(ctx, existing.LongVenue, existing.Symbol, core.SideLong, true); err != nil {
		return fmt.Errorf("close existing long leg: %w", err)
	}
	if err := o.ClosePosition(ctx, existing.ShortVenue, existing.Symbol, core.SideShort, true); err != nil {
		return fmt.Errorf("close existing short leg: %w", err)
	}
	_ = o.store.MarkClosed(ctx, existing.PairID)
	o.locks.MarkExecutionCompleted(existing.Symbol)

	if o.locks.IsInExecutionCooldown(candidate.Symbol, o.executionCooldown) {
		return nil
	}
	return o.openPair(ctx, threadID, candidate)
}

var _ core.CoreActions = (*Orchestrator)(nil)
