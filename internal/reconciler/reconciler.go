// Package reconciler implements the Reconciler of spec.md §4.7: phase A/B
// diffing of cached vs. persisted vs. actual venue state, the single-leg
// recovery subroutine, the nuclear-close protocol, profit-taking, and the
// spread-flip exit. Grounded on the teacher's risk.Reconciler run-loop
// lifecycle, generalized from one venue+position to N venues and pairs.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingkeeper/internal/alert"
	"fundingkeeper/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Alerter is the subset of alert.AlertManager the Reconciler needs to page
// an operator on a nuclear close. Kept narrow so tests can stub it.
type Alerter interface {
	Alert(ctx context.Context, title, message string, level alert.AlertLevel, fields map[string]string)
}

// Config holds the timers and thresholds spec.md §4.7 names.
type Config struct {
	Interval            time.Duration // default 45-60s
	DriftPct            decimal.Decimal
	NuclearTimeout      time.Duration
	PendingGrace        time.Duration
	MaxSingleLegRetries int
	MinProfitUSD        decimal.Decimal
	MaxReversionHours   decimal.Decimal
	ProfitTakeCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 45 * time.Second
	}
	if c.DriftPct.IsZero() {
		c.DriftPct = decimal.NewFromFloat(0.05)
	}
	if c.NuclearTimeout <= 0 {
		c.NuclearTimeout = 10 * time.Minute
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = 5 * time.Minute
	}
	if c.MaxSingleLegRetries <= 0 {
		c.MaxSingleLegRetries = 5
	}
	if c.MinProfitUSD.IsZero() {
		c.MinProfitUSD = decimal.NewFromInt(10)
	}
	if c.MaxReversionHours.IsZero() {
		c.MaxReversionHours = decimal.NewFromInt(168)
	}
	if c.ProfitTakeCooldown <= 0 {
		c.ProfitTakeCooldown = time.Hour
	}
	return c
}

// Reconciler implements core.Reconciler.
type Reconciler struct {
	cfg     Config
	logger  core.ILogger
	venues  map[string]core.VenueAdapter
	cache   core.MarketStateCache
	store   core.PositionStore
	locks   core.LockRegistry
	actions core.CoreActions
	funding core.FundingSource
	feeRates map[string]decimal.Decimal
	alerter Alerter
	evalCooldown func(symbol string, cooldown time.Duration)

	ticker *time.Ticker
	stop   chan struct{}

	mu         sync.Mutex
	lastRunAt  time.Time
	lastError  string
	singleLegFirstSeen map[string]time.Time // pairID -> first observed single-leg time
	imbalanceFirstSeen map[string]time.Time
}

// New builds a Reconciler. funding supplies the current/predicted funding
// rates profitTake and spreadFlipExit need; feeRates is the per-venue,
// per-side fee rate, whose two-leg sum spreadFlipExit doubles for its
// churn-cost test. evalCooldown lets the
// Reconciler register a profit-take cooldown on the Opportunity Evaluator
// without importing it directly (same CoreActions-style decoupling as
// spec.md §9).
func New(cfg Config, venues map[string]core.VenueAdapter, cache core.MarketStateCache, store core.PositionStore, locks core.LockRegistry, actions core.CoreActions, funding core.FundingSource, feeRates map[string]decimal.Decimal, evalCooldown func(symbol string, cooldown time.Duration), logger core.ILogger) *Reconciler {
	return &Reconciler{
		cfg:                cfg.withDefaults(),
		logger:             logger.WithField("component", "reconciler"),
		venues:              venues,
		cache:               cache,
		store:               store,
		locks:               locks,
		actions:             actions,
		funding:             funding,
		feeRates:            feeRates,
		evalCooldown:        evalCooldown,
		stop:                make(chan struct{}),
		singleLegFirstSeen:  make(map[string]time.Time),
		imbalanceFirstSeen:  make(map[string]time.Time),
	}
}

// SetAlerter wires an operator-notification channel. Optional; a Reconciler
// with no Alerter just logs and keeps running.
func (r *Reconciler) SetAlerter(a Alerter) {
	r.alerter = a
}

func (r *Reconciler) Start(ctx context.Context) error {
	r.ticker = time.NewTicker(r.cfg.Interval)
	go func() {
		for {
			select {
			case <-r.ticker.C:
				if err := r.Reconcile(ctx); err != nil {
					r.logger.Error("reconcile pass failed", "error", err)
				}
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (r *Reconciler) Stop() {
	if r.ticker != nil {
		r.ticker.Stop()
	}
	close(r.stop)
}

func (r *Reconciler) TriggerManual(ctx context.Context) error {
	return r.Reconcile(ctx)
}

func (r *Reconciler) Status() core.ReconcilerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[core.PairStatus]int)
	pairs, err := r.store.GetAll(context.Background())
	if err == nil {
		for _, p := range pairs {
			counts[p.Status]++
		}
	}
	return core.ReconcilerStatus{LastRunAt: r.lastRunAt, LastError: r.lastError, PairsByStatus: counts}
}

// Reconcile runs one full phase A + phase B pass plus the profit-take and
// spread-flip sweeps.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	start := time.Now()
	err := r.reconcileOnce(ctx)

	r.mu.Lock()
	r.lastRunAt = start
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
	r.mu.Unlock()
	return err
}

func (r *Reconciler) reconcileOnce(ctx context.Context) error {
	if err := r.cache.RefreshAll(ctx); err != nil {
		r.logger.Warn("market cache refresh had partial failures", "error", err)
	}

	if err := r.phaseA(ctx); err != nil {
		return fmt.Errorf("phase A: %w", err)
	}
	if err := r.phaseB(ctx); err != nil {
		return fmt.Errorf("phase B: %w", err)
	}
	r.profitTake(ctx)
	r.spreadFlipExit(ctx)
	return nil
}

// phaseA diffs actual venue positions against the persisted HedgedPair
// records: PHANTOM persisted pairs whose legs have both vanished are marked
// CLOSED, and DRIFT beyond DriftPct between a leg and the pair's intended
// size is logged. Positions with no persisted pair are not examined here
// (phase B groups them), and drift does not change the persisted size.
func (r *Reconciler) phaseA(ctx context.Context) error {
	actual := r.cache.GetAllPositions()
	actualSet := make(map[string]bool, len(actual))
	for _, p := range actual {
		actualSet[fmt.Sprintf("%s:%s:%s", p.Venue, core.NormalizeSymbol(p.Symbol), p.Side)] = true
	}

	pairs, err := r.store.GetActive(ctx)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		longKey := fmt.Sprintf("%s:%s:%s", pair.LongVenue, core.NormalizeSymbol(pair.Symbol), core.SideLong)
		shortKey := fmt.Sprintf("%s:%s:%s", pair.ShortVenue, core.NormalizeSymbol(pair.Symbol), core.SideShort)
		longGone := !actualSet[longKey]
		shortGone := !actualSet[shortKey]

		if longGone && shortGone && pair.Status != core.PairClosed {
			r.logger.Info("phantom pair: both legs vanished, marking closed", "pair_id", pair.PairID, "symbol", pair.Symbol)
			_ = r.store.MarkClosed(ctx, pair.PairID)
			continue
		}

		if p, ok := r.cache.GetPosition(pair.LongVenue, pair.Symbol, core.SideLong); ok {
			r.checkDrift(pair.IntendedSize, p)
		}
		if p, ok := r.cache.GetPosition(pair.ShortVenue, pair.Symbol, core.SideShort); ok {
			r.checkDrift(pair.IntendedSize, p)
		}
	}
	return nil
}

func (r *Reconciler) checkDrift(intended decimal.Decimal, actual *core.Position) {
	if intended.IsZero() {
		return
	}
	diff := actual.Size.Sub(intended).Abs().Div(intended)
	if diff.GreaterThan(r.cfg.DriftPct) {
		r.logger.Warn("position size drift beyond threshold",
			"venue", actual.Venue, "symbol", actual.Symbol, "intended", intended, "actual", actual.Size, "drift_pct", diff)
	}
}

// phaseB groups positions per normalized symbol and classifies per the
// spec.md §4.7 table, dispatching to single-leg recovery or nuclear close.
// MEDIUM and SEVERE imbalances short of the nuclear timeout are logged; no
// rebalance order is placed.
func (r *Reconciler) phaseB(ctx context.Context) error {
	bySymbol := make(map[string][]*core.Position)
	for _, p := range r.cache.GetAllPositions() {
		norm := core.NormalizeSymbol(p.Symbol)
		bySymbol[norm] = append(bySymbol[norm], p)
	}

	for symbol, positions := range bySymbol {
		r.classifyAndAct(ctx, symbol, positions)
	}
	return nil
}

func (r *Reconciler) classifyAndAct(ctx context.Context, symbol string, positions []*core.Position) {
	var long, short *core.Position
	for _, p := range positions {
		if p.IsDust() {
			continue
		}
		switch p.Side {
		case core.SideLong:
			long = p
		case core.SideShort:
			short = p
		}
	}

	switch {
	case long != nil && short != nil && long.Venue == short.Venue:
		r.logger.Warn("both legs on same venue, not a hedge; closing both", "symbol", symbol, "venue", long.Venue)
		r.closeBothBestEffort(ctx, symbol, long, short)

	case long != nil && short == nil:
		r.handleSingleLeg(ctx, symbol, long)
	case short != nil && long == nil:
		r.handleSingleLeg(ctx, symbol, short)

	case long != nil && short != nil:
		r.classifyImbalance(ctx, symbol, long, short)
	}
}

func (r *Reconciler) closeBothBestEffort(ctx context.Context, symbol string, long, short *core.Position) {
	if long != nil {
		_ = r.actions.ClosePosition(ctx, long.Venue, symbol, core.SideLong, true)
	}
	if short != nil {
		_ = r.actions.ClosePosition(ctx, short.Venue, symbol, core.SideShort, true)
	}
}

func (r *Reconciler) classifyImbalance(ctx context.Context, symbol string, long, short *core.Position) {
	gap := long.Size.Sub(short.Size).Abs().Div(decimal.Max(long.Size, short.Size))
	tier := core.ClassifyImbalance(gap)

	switch tier {
	case core.ImbalanceBalanced:
		delete(r.imbalanceFirstSeen, symbol)
		return
	case core.ImbalanceMinor:
		r.logger.Info("minor imbalance", "symbol", symbol, "gap_pct", gap)
		return
	}

	r.mu.Lock()
	firstSeen, seen := r.imbalanceFirstSeen[symbol]
	if !seen {
		firstSeen = time.Now()
		r.imbalanceFirstSeen[symbol] = firstSeen
	}
	r.mu.Unlock()

	if tier == core.ImbalanceSevere && time.Since(firstSeen) > r.cfg.NuclearTimeout {
		r.nuclearClose(ctx, symbol, long, short)
		return
	}
	r.logger.Info("imbalance above minor tier, no rebalance order placed", "symbol", symbol, "tier", tier, "gap_pct", gap)
}

// handleSingleLeg is the single-leg recovery subroutine: recover the
// intended pairing from persisted state, verify the missing venue differs
// from the existing leg, respect a pending-order grace window, and hand off
// to the Order Executor via CoreActions.
func (r *Reconciler) handleSingleLeg(ctx context.Context, symbol string, existing *core.Position) {
	r.mu.Lock()
	firstSeen, seen := r.singleLegFirstSeen[symbol]
	if !seen {
		firstSeen = time.Now()
		r.singleLegFirstSeen[symbol] = firstSeen
	}
	r.mu.Unlock()

	pairs, err := r.store.GetByStatus(ctx, core.PairSingleLeg)
	if err != nil {
		r.logger.Error("load single-leg pairs failed", "error", err)
		return
	}
	var pair *core.HedgedPair
	for _, p := range pairs {
		if core.NormalizeSymbol(p.Symbol) == symbol {
			pair = p
			break
		}
	}

	missingVenue := ""
	missingSide := core.SideShort
	if existing.Side == core.SideShort {
		missingSide = core.SideLong
	}

	if pair != nil {
		if existing.Side == core.SideLong {
			missingVenue = pair.ShortVenue
		} else {
			missingVenue = pair.LongVenue
		}
	} else {
		for name := range r.venues {
			if name != existing.Venue {
				missingVenue = name
				break
			}
		}
	}

	if missingVenue == "" || missingVenue == existing.Venue {
		r.logger.Error("single-leg recovery aborted: no distinct venue available", "symbol", symbol)
		return
	}

	venueAdapter, ok := r.venues[missingVenue]
	if !ok {
		return
	}
	openOrders, err := venueAdapter.GetOpenOrders(ctx, symbol)
	if err == nil {
		for _, o := range openOrders {
			if o.Side == missingSide {
				if time.Since(o.PlacedAt) < r.cfg.PendingGrace {
					return // wait for the pending order
				}
				_ = venueAdapter.CancelOrder(ctx, symbol, o.OrderID)
			}
		}
	}

	retries := 0
	if pair != nil {
		retries = pair.RetryCount
	}
	if retries >= r.cfg.MaxSingleLegRetries {
		r.logger.Warn("single-leg recovery exhausted retries, closing existing leg", "symbol", symbol)
		_ = r.actions.ClosePosition(ctx, existing.Venue, symbol, existing.Side, true)
		return
	}

	threadID := uuid.NewString()
	req := core.PlaceOrderRequest{Symbol: symbol, Side: missingSide, Type: core.OrderTypeLimit, TimeInForce: core.TIFGTC, Size: existing.Size.Abs()}
	if _, err := r.actions.PlaceOrder(ctx, venueAdapter, req, threadID); err != nil {
		r.logger.Error("single-leg recovery order failed", "symbol", symbol, "venue", missingVenue, "error", err)
		if pair != nil {
			_, _ = r.store.IncrementRetryCount(ctx, pair.PairID)
		}
	}
}

// nuclearClose is the only sanctioned exit from an unrecoverable imbalance:
// cancel all open orders on both legs then force reduce-only MARKET IOC
// closes.
func (r *Reconciler) nuclearClose(ctx context.Context, symbol string, long, short *core.Position) {
	if r.locks.IsSymbolLocked(symbol) {
		return
	}
	if r.locks.HasActiveOrder(long.Venue, symbol, core.SideLong) || r.locks.HasActiveOrder(short.Venue, symbol, core.SideShort) {
		return
	}
	if r.locks.IsInExecutionCooldown(symbol, time.Minute) {
		return
	}

	r.logger.Error("nuclear-close triggered", "symbol", symbol, "long_venue", long.Venue, "short_venue", short.Venue)
	if longVenue, ok := r.venues[long.Venue]; ok {
		_ = longVenue.CancelAllOrders(ctx, symbol)
	}
	if shortVenue, ok := r.venues[short.Venue]; ok {
		_ = shortVenue.CancelAllOrders(ctx, symbol)
	}
	_ = r.actions.ClosePosition(ctx, long.Venue, symbol, core.SideLong, true)
	_ = r.actions.ClosePosition(ctx, short.Venue, symbol, core.SideShort, true)

	if r.alerter != nil {
		r.alerter.Alert(ctx, "Nuclear close triggered", "an unrecoverable imbalance forced both legs closed", alert.Critical, map[string]string{
			"symbol": symbol, "long_venue": long.Venue, "short_venue": short.Venue,
		})
	}

	r.mu.Lock()
	delete(r.imbalanceFirstSeen, symbol)
	r.mu.Unlock()
}

// profitTake runs on every Reconcile pass: for each balanced pair on two
// venues with combined PnL of at least MinProfitUSD and an acceptable
// reversion horizon, close a clamped fraction of both legs.
func (r *Reconciler) profitTake(ctx context.Context) {
	bySymbol := make(map[string][]*core.Position)
	for _, p := range r.cache.GetAllPositions() {
		bySymbol[core.NormalizeSymbol(p.Symbol)] = append(bySymbol[core.NormalizeSymbol(p.Symbol)], p)
	}

	for symbol, positions := range bySymbol {
		var long, short *core.Position
		for _, p := range positions {
			if p.Side == core.SideLong {
				long = p
			} else {
				short = p
			}
		}
		if long == nil || short == nil || long.Venue == short.Venue {
			continue
		}
		maxSize := decimal.Max(long.Size, short.Size)
		if maxSize.IsZero() || core.ClassifyImbalance(long.Size.Sub(short.Size).Abs().Div(maxSize)) != core.ImbalanceBalanced {
			continue
		}

		combinedPnL := long.UnrealizedPnL.Add(short.UnrealizedPnL)
		if combinedPnL.LessThan(r.cfg.MinProfitUSD) {
			continue
		}

		fraction, ok := r.profitTakeFraction(ctx, symbol, long, short, combinedPnL)
		if !ok {
			continue
		}

		if fraction.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) && r.evalCooldown != nil {
			r.evalCooldown(symbol, r.cfg.ProfitTakeCooldown)
		}
		_ = r.actions.PartialClose(ctx, long.Venue, symbol, core.SideLong, fraction)
		_ = r.actions.PartialClose(ctx, short.Venue, symbol, core.SideShort, fraction)
	}
}

// profitTakeFraction implements spec.md §4.7's closePercent formula,
// clamp(profit% / expectedFunding%, 0.25, 1.0), gated on the predicted
// reversion horizon staying within MaxReversionHours. Expected funding =
// currentHourlySpread × reversionHours × 100. ok is false when the reversion
// horizon is too long or expected funding can't be computed, in which case
// the caller should skip the close entirely rather than guess a fraction.
func (r *Reconciler) profitTakeFraction(ctx context.Context, symbol string, long, short *core.Position, combinedPnL decimal.Decimal) (fraction decimal.Decimal, ok bool) {
	notional := long.Size.Abs()
	if r.funding == nil || notional.IsZero() {
		return decimal.Zero, false
	}

	longSnap, err := r.funding.GetRate(ctx, long.Venue, symbol)
	if err != nil {
		return decimal.Zero, false
	}
	shortSnap, err := r.funding.GetRate(ctx, short.Venue, symbol)
	if err != nil {
		return decimal.Zero, false
	}
	_, reversionHorizon, _, err := r.funding.GetPredictedSpread(ctx, symbol, long.Venue, short.Venue)
	if err != nil {
		return decimal.Zero, false
	}
	reversionHours := decimal.NewFromFloat(reversionHorizon.Hours())
	if reversionHours.GreaterThan(r.cfg.MaxReversionHours) {
		return decimal.Zero, false
	}

	hourlySpread := shortSnap.Rate.Sub(longSnap.Rate)
	expectedFundingPct := hourlySpread.Mul(reversionHours).Mul(decimal.NewFromInt(100))
	if expectedFundingPct.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	profitPct := combinedPnL.Div(notional).Mul(decimal.NewFromInt(100))

	fraction = profitPct.Div(expectedFundingPct)
	floor, ceil := decimal.NewFromFloat(0.25), decimal.NewFromInt(1)
	if fraction.LessThan(floor) {
		fraction = floor
	}
	if fraction.GreaterThan(ceil) {
		fraction = ceil
	}
	return fraction, true
}

// spreadFlipExit implements spec.md §4.7: for each pair, if the current
// inter-venue carry (shortRate − longRate) has flipped negative and the
// predicted spread is not expected to recover enough within a 4-hour window
// to offset both the continued negative carry and the churn cost of a
// close-and-reopen, close both legs reduce-only MARKET IOC.
func (r *Reconciler) spreadFlipExit(ctx context.Context) {
	bySymbol := make(map[string][]*core.Position)
	for _, p := range r.cache.GetAllPositions() {
		bySymbol[core.NormalizeSymbol(p.Symbol)] = append(bySymbol[core.NormalizeSymbol(p.Symbol)], p)
	}
	for symbol, positions := range bySymbol {
		var long, short *core.Position
		for _, p := range positions {
			if p.Side == core.SideLong {
				long = p
			} else {
				short = p
			}
		}
		if long == nil || short == nil || long.Venue == short.Venue || r.funding == nil {
			continue
		}

		longSnap, err := r.funding.GetRate(ctx, long.Venue, symbol)
		if err != nil {
			continue
		}
		shortSnap, err := r.funding.GetRate(ctx, short.Venue, symbol)
		if err != nil {
			continue
		}
		currentSpread := shortSnap.Rate.Sub(longSnap.Rate)
		if currentSpread.GreaterThanOrEqual(decimal.Zero) {
			continue
		}

		predictedSpread, _, _, err := r.funding.GetPredictedSpread(ctx, symbol, long.Venue, short.Venue)
		if err != nil {
			predictedSpread = currentSpread
		}

		window := decimal.NewFromInt(4)
		continuedCarryCost := currentSpread.Abs().Mul(window)
		churnCost := r.feeRates[long.Venue].Add(r.feeRates[short.Venue]).Mul(decimal.NewFromInt(2))
		recoveryBenefit := decimal.Max(predictedSpread, decimal.Zero).Mul(window)

		if recoveryBenefit.GreaterThanOrEqual(continuedCarryCost.Add(churnCost)) {
			r.logger.Debug("negative carry expected to recover within window, holding", "symbol", symbol, "predicted_spread", predictedSpread)
			continue
		}

		r.logger.Warn("spread-flip exit triggered", "symbol", symbol, "current_spread", currentSpread, "predicted_spread", predictedSpread)
		_ = r.actions.ClosePosition(ctx, long.Venue, symbol, core.SideLong, true)
		_ = r.actions.ClosePosition(ctx, short.Venue, symbol, core.SideShort, true)

		if r.alerter != nil {
			r.alerter.Alert(ctx, "Spread-flip exit triggered", "negative carry not expected to recover within the churn-cost window; both legs closed", alert.Warning, map[string]string{
				"symbol": symbol, "long_venue": long.Venue, "short_venue": short.Venue,
			})
		}
	}
}

var _ core.Reconciler = (*Reconciler)(nil)
