// Package guardian implements the Guardian of spec.md §4.6: every 30s it
// groups active orders by execution thread, classifies asymmetric fills by
// the age of the stuck leg, and force-clears zombie order slots. Orphaned
// single legs are not examined here. Grounded on the teacher's
// OrderCleaner/OrderExecutor age-bucket and ring-buffer patterns.
package guardian

import (
	"context"
	"time"

	"fundingkeeper/internal/alert"
	"fundingkeeper/internal/core"

	"github.com/shopspring/decimal"
)

// Alerter is the subset of alert.AlertManager the Guardian needs to page an
// operator when it forces a market exit. Kept narrow so tests can stub it.
type Alerter interface {
	Alert(ctx context.Context, title, message string, level alert.AlertLevel, fields map[string]string)
}

// Config holds the age thresholds spec.md §4.6 names.
type Config struct {
	MinAge          time.Duration // default 45s
	AggressiveAge   time.Duration // default 90s
	MarketAge       time.Duration // default 120s
	ZombieTimeout   time.Duration // default 300s
	RepriceMinPct   decimal.Decimal
	RepriceMaxPct   decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.MinAge <= 0 {
		c.MinAge = 45 * time.Second
	}
	if c.AggressiveAge <= 0 {
		c.AggressiveAge = 90 * time.Second
	}
	if c.MarketAge <= 0 {
		c.MarketAge = 120 * time.Second
	}
	if c.ZombieTimeout <= 0 {
		c.ZombieTimeout = 300 * time.Second
	}
	if c.RepriceMinPct.IsZero() {
		c.RepriceMinPct = decimal.NewFromFloat(0.002)
	}
	if c.RepriceMaxPct.IsZero() {
		c.RepriceMaxPct = decimal.NewFromFloat(0.005)
	}
	return c
}

// Guardian implements core.Guardian.
type Guardian struct {
	cfg     Config
	logger  core.ILogger
	locks   core.LockRegistry
	venues  map[string]core.VenueAdapter
	actions core.CoreActions
	alerter Alerter

	ticker *time.Ticker
	stop   chan struct{}
}

// SetAlerter wires an operator-notification channel. Optional; a Guardian
// with no Alerter just logs and keeps running.
func (g *Guardian) SetAlerter(a Alerter) {
	g.alerter = a
}

// New builds a Guardian. actions is the CoreActions port injected by the
// orchestrator at startup (spec.md §9) so the Guardian never imports it.
func New(cfg Config, locks core.LockRegistry, venues map[string]core.VenueAdapter, actions core.CoreActions, logger core.ILogger) *Guardian {
	return &Guardian{
		cfg:     cfg.withDefaults(),
		logger:  logger.WithField("component", "guardian"),
		locks:   locks,
		venues:  venues,
		actions: actions,
		stop:    make(chan struct{}),
	}
}

func (g *Guardian) Start(ctx context.Context) error {
	g.ticker = time.NewTicker(30 * time.Second)
	go func() {
		for {
			select {
			case <-g.ticker.C:
				if err := g.RunOnce(ctx); err != nil {
					g.logger.Error("guardian pass failed", "error", err)
				}
			case <-g.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (g *Guardian) Stop() {
	if g.ticker != nil {
		g.ticker.Stop()
	}
	close(g.stop)
}

// RunOnce executes a single Guardian pass: zombie-order clearing, then
// asymmetric-fill escalation. It does not look for orphaned single legs.
func (g *Guardian) RunOnce(ctx context.Context) error {
	g.clearZombies(ctx)
	g.checkAsymmetricFills(ctx)
	return nil
}

func (g *Guardian) clearZombies(ctx context.Context) {
	stale := g.locks.GetOrdersOlderThan(g.cfg.ZombieTimeout)
	for _, o := range stale {
		if g.locks.IsSymbolLocked(o.Symbol) {
			continue
		}
		venue, ok := g.venues[o.Venue]
		if !ok {
			continue
		}
		current, err := venue.GetOrderStatus(ctx, o.Symbol, o.OrderID)
		if err == nil && !current.Status.IsTerminal() {
			if cancelErr := venue.CancelOrder(ctx, o.Symbol, o.OrderID); cancelErr != nil {
				g.logger.Warn("zombie order cancel failed", "venue", o.Venue, "order_id", o.OrderID, "error", cancelErr)
			}
		}
		g.locks.ForceClearOrder(o.Venue, o.Symbol, o.Side)
		g.logger.Warn("force-cleared zombie order", "venue", o.Venue, "symbol", o.Symbol, "order_id", o.OrderID)
	}
}

// checkAsymmetricFills groups active orders by thread and escalates any
// thread that has exactly one active order left, per the MIN_AGE/
// AGGRESSIVE_AGE/MARKET_AGE tiers. Orders leave the active set on a terminal
// status, so the partner leg's outcome (filled, cancelled or never placed)
// is not checked.
func (g *Guardian) checkAsymmetricFills(ctx context.Context) {
	byThread := make(map[string][]*core.Order)
	for _, o := range g.locks.GetAllActiveOrders() {
		threadID, ok := g.locks.OrderThread(o.OrderID)
		if !ok {
			continue
		}
		byThread[threadID] = append(byThread[threadID], o)
	}

	for threadID, orders := range byThread {
		if len(orders) != 1 {
			continue // two or more orders of this thread are still resting
		}
		stuck := orders[0]
		if g.locks.IsSymbolLocked(stuck.Symbol) {
			continue
		}
		age := time.Since(stuck.PlacedAt)
		g.escalate(ctx, threadID, stuck, age)
	}
}

func (g *Guardian) escalate(ctx context.Context, threadID string, order *core.Order, age time.Duration) {
	venue, ok := g.venues[order.Venue]
	if !ok {
		return
	}

	switch {
	case age < g.cfg.MinAge:
		return
	case age < g.cfg.AggressiveAge:
		g.reprice(ctx, venue, order, g.cfg.RepriceMinPct)
	case age < g.cfg.MarketAge:
		g.reprice(ctx, venue, order, g.cfg.RepriceMaxPct)
	default:
		g.forceMarket(ctx, venue, order)
	}
}

func (g *Guardian) reprice(ctx context.Context, venue core.VenueAdapter, order *core.Order, pct decimal.Decimal) {
	// Worse for us: a long leg bids higher, a short leg offers lower.
	direction := decimal.NewFromInt(1)
	if order.Side == core.SideShort {
		direction = decimal.NewFromInt(-1)
	}
	newPrice := order.Price.Mul(decimal.NewFromInt(1).Add(pct.Mul(direction)))

	req := core.PlaceOrderRequest{
		Symbol: order.Symbol, Side: order.Side, Type: core.OrderTypeLimit,
		TimeInForce: core.TIFGTC, Size: order.Size.Sub(order.FilledSize),
		Price: newPrice, ReduceOnly: order.ReduceOnly,
	}
	if _, err := venue.ModifyOrder(ctx, order.OrderID, req); err != nil {
		// Modify unsupported: cancel-replace.
		if cancelErr := venue.CancelOrder(ctx, order.Symbol, order.OrderID); cancelErr != nil {
			g.logger.Warn("reprice cancel failed", "order_id", order.OrderID, "error", cancelErr)
			return
		}
		if _, placeErr := venue.PlaceOrder(ctx, req); placeErr != nil {
			g.logger.Error("reprice cancel-replace failed", "order_id", order.OrderID, "error", placeErr)
		}
	}
}

func (g *Guardian) forceMarket(ctx context.Context, venue core.VenueAdapter, order *core.Order) {
	if err := venue.CancelOrder(ctx, order.Symbol, order.OrderID); err != nil {
		g.logger.Warn("force-market cancel failed", "order_id", order.OrderID, "error", err)
	}
	req := core.PlaceOrderRequest{
		Symbol: order.Symbol, Side: order.Side, Type: core.OrderTypeMarket,
		TimeInForce: core.TIFIOC, Size: order.Size.Sub(order.FilledSize), ReduceOnly: order.ReduceOnly,
	}
	if _, err := venue.PlaceOrder(ctx, req); err != nil {
		g.logger.Error("force-market IOC failed", "order_id", order.OrderID, "error", err)
	} else {
		g.logger.Warn("forced market IOC fill", "venue", venue.Name(), "symbol", order.Symbol, "order_id", order.OrderID)
		if g.alerter != nil {
			g.alerter.Alert(ctx, "Guardian forced a market exit", "a stuck leg aged past MARKET_AGE and was force-filled", alert.Warning, map[string]string{
				"venue": venue.Name(), "symbol": order.Symbol, "order_id": order.OrderID,
			})
		}
	}
}

var _ core.Guardian = (*Guardian)(nil)
