// Package executor implements the Order Executor of spec.md §4.5: it places
// the order as the caller built it (type, price and time-in-force come from
// the request), registers it in the (venue, symbol, side) slot of the lock
// registry once the venue has accepted it, then waits for fill using the
// teacher's rate.Limiter-gated placement path combined with a failsafe-go
// exponential backoff, escalating to cancel-and-final-check on timeout.
package executor

import (
	"context"
	"fmt"
	"time"

	"fundingkeeper/internal/core"
	apperrors "fundingkeeper/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Config holds the spec.md §4.5 retry/backoff parameters.
type Config struct {
	MaxBackoffDelayOpening time.Duration // default 30s
	MaxRetries             int           // default 15
	RateLimitRPS           float64       // default 25
	RateLimitBurst         int           // default 30
	PostCancelGrace        time.Duration // default 2s; brief wait before the final post-cancel check
}

func (c Config) withDefaults() Config {
	if c.MaxBackoffDelayOpening <= 0 {
		c.MaxBackoffDelayOpening = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 15
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 25
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 30
	}
	if c.PostCancelGrace <= 0 {
		c.PostCancelGrace = 2 * time.Second
	}
	return c
}

// Executor implements core.OrderExecutor.
type Executor struct {
	cfg     Config
	logger  core.ILogger
	locks   core.LockRegistry
	limiter *rate.Limiter
}

// New builds an Executor bound to the given lock registry.
func New(cfg Config, locks core.LockRegistry, logger core.ILogger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:     cfg,
		logger:  logger.WithField("component", "order_executor"),
		locks:   locks,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
	}
}

// PlaceAndWait places one side of a hedged pair and waits for it to reach a
// terminal status, following spec.md §4.5's slot/backoff/cancel contract.
func (e *Executor) PlaceAndWait(ctx context.Context, venue core.VenueAdapter, req core.PlaceOrderRequest, threadID string) (*core.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	order, err := venue.PlaceOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: place order: %w", venue.Name(), err)
	}
	e.locks.RegisterOrderPlacing(order, threadID)
	e.logger.Debug("order placed, awaiting fill", "venue", venue.Name(), "symbol", req.Symbol, "order_id", order.OrderID)

	filled, err := e.awaitFill(ctx, venue, order)
	if err != nil {
		e.locks.ForceClearOrder(venue.Name(), req.Symbol, req.Side)
		return nil, err
	}
	e.locks.UpdateOrderStatus(venue.Name(), req.Symbol, req.Side, filled.Status, core.OrderStatusUpdate{
		OrderID:    filled.OrderID,
		FilledSize: &filled.FilledSize,
		Price:      &filled.AverageFillPrice,
	})
	return filled, nil
}

// awaitFill polls the order's status with exponential backoff
// (2s·2^(n-1), capped at MaxBackoffDelayOpening) for up to MaxRetries
// attempts, built on a failsafe-go retrypolicy so jitter/backoff math is not
// hand-rolled. Venue positions are not consulted. A cancelled or rejected
// order ends in an ErrOrderRejected error.
func (e *Executor) awaitFill(ctx context.Context, venue core.VenueAdapter, order *core.Order) (*core.Order, error) {
	policy := retrypolicy.NewBuilder[*core.Order]().
		WithMaxRetries(e.cfg.MaxRetries).
		WithBackoff(2*time.Second, e.cfg.MaxBackoffDelayOpening).
		HandleIf(func(o *core.Order, err error) bool {
			return err == nil && o != nil && !o.Status.IsTerminal()
		}).
		Build()

	pipeline := failsafe.With[*core.Order](policy)
	result, err := pipeline.GetWithExecution(func(exec failsafe.Execution[*core.Order]) (*core.Order, error) {
		current, statusErr := venue.GetOrderStatus(ctx, order.Symbol, order.OrderID)
		if statusErr != nil {
			return order, statusErr
		}
		if current.Status == core.OrderCancelled || current.Status == core.OrderRejected {
			return current, apperrors.ErrOrderRejected
		}
		return current, nil
	})
	if err == apperrors.ErrOrderRejected {
		return nil, fmt.Errorf("%s: order %s: %w", venue.Name(), order.OrderID, err)
	}
	if err != nil {
		return e.cancelAndFinalCheck(ctx, venue, order)
	}
	if result != nil && result.Status.IsTerminal() {
		return result, nil
	}
	return e.cancelAndFinalCheck(ctx, venue, order)
}

// cancelAndFinalCheck is called on timeout: cancel the resting order, wait
// briefly, then check the order's status once more in case the fill landed
// between the cancel request and its acknowledgement. Venue positions are
// not consulted.
func (e *Executor) cancelAndFinalCheck(ctx context.Context, venue core.VenueAdapter, order *core.Order) (*core.Order, error) {
	if err := venue.CancelOrder(ctx, order.Symbol, order.OrderID); err != nil && err != apperrors.ErrOrderAlreadyCancelled {
		e.logger.Warn("cancel after timeout failed", "venue", venue.Name(), "order_id", order.OrderID, "error", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.cfg.PostCancelGrace):
	}

	final, err := venue.GetOrderStatus(ctx, order.Symbol, order.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%s: final status check after timeout: %w", venue.Name(), err)
	}
	if final.Status == core.OrderFilled {
		return final, nil
	}
	return nil, fmt.Errorf("%s: order %s: %w", venue.Name(), order.OrderID, apperrors.ErrFillTimeout)
}

var _ core.OrderExecutor = (*Executor)(nil)
