// Package safety provides pre-trade safety checks run before a hedged pair
// is opened or before a venue is trusted to carry a recovery leg.
package safety

import (
	"context"
	"fmt"

	"fundingkeeper/internal/core"

	"github.com/shopspring/decimal"
)

// Checker validates account and venue state before the evaluator/executor
// is allowed to commit capital.
type Checker struct {
	logger core.ILogger
}

// NewChecker creates a new safety checker.
func NewChecker(logger core.ILogger) *Checker {
	return &Checker{logger: logger.WithField("component", "safety_checker")}
}

// CheckAccountSafety verifies the venue has enough free balance to cover
// the intended leg and is not already over the configured leverage ceiling.
func (c *Checker) CheckAccountSafety(ctx context.Context, venue core.VenueAdapter, symbol string, notionalUSD decimal.Decimal, maxLeverage decimal.Decimal) error {
	c.logger.Debug("checking account safety", "venue", venue.Name(), "symbol", symbol)

	balance, err := venue.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance on %s: %w", venue.Name(), err)
	}
	if balance.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%s: insufficient balance: %s", venue.Name(), balance)
	}

	equity, err := venue.GetEquity(ctx)
	if err != nil {
		return fmt.Errorf("fetch equity on %s: %w", venue.Name(), err)
	}
	if equity.IsZero() {
		return fmt.Errorf("%s: zero equity, cannot size a position", venue.Name())
	}

	impliedLeverage := notionalUSD.Div(equity)
	if impliedLeverage.GreaterThan(maxLeverage) {
		return fmt.Errorf("%s: opening %s would imply leverage %s (max %s)", venue.Name(), symbol, impliedLeverage, maxLeverage)
	}

	return nil
}

// CheckDistinctVenues enforces spec invariant: a single-leg recovery or a
// fresh pair must never place both legs on the same venue.
func (c *Checker) CheckDistinctVenues(longVenue, shortVenue string) error {
	if longVenue == shortVenue {
		return fmt.Errorf("long venue and short venue must differ, both resolved to %q", longVenue)
	}
	return nil
}

// CheckConnectivity performs a cheap liveness probe before relying on a
// venue for execution.
func (c *Checker) CheckConnectivity(ctx context.Context, venue core.VenueAdapter, symbol string) error {
	if _, err := venue.GetMarkPrice(ctx, symbol); err != nil {
		return fmt.Errorf("%s: mark price probe failed: %w", venue.Name(), err)
	}
	if _, err := venue.GetBalance(ctx); err != nil {
		return fmt.Errorf("%s: balance probe failed: %w", venue.Name(), err)
	}
	return nil
}
