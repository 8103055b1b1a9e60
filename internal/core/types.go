// Package core defines the domain types and interfaces shared by every
// component of the funding-rate arbitrage keeper.
package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DustThreshold is the absolute size below which a position is ignored by
// every piece of reconciliation and evaluation logic.
var DustThreshold = decimal.NewFromFloat(0.0001)

// IsDust reports whether size is within DustThreshold of zero.
func IsDust(size decimal.Decimal) bool {
	return size.Abs().LessThanOrEqual(DustThreshold)
}

// PositionSide is one of LONG or SHORT.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// OrderType enumerates the order types the keeper places.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce enumerates supported time-in-force values.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderStatus is the lifecycle state of a single order.
type OrderStatus string

const (
	OrderPlacing     OrderStatus = "PLACING"
	OrderWaitingFill OrderStatus = "WAITING_FILL"
	OrderFilled      OrderStatus = "FILLED"
	OrderCancelled   OrderStatus = "CANCELLED"
	OrderRejected    OrderStatus = "REJECTED"
	OrderExpired     OrderStatus = "EXPIRED"
	OrderFailed      OrderStatus = "FAILED"
)

// IsTerminal reports whether the status is one the order will never leave.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderFailed:
		return true
	default:
		return false
	}
}

// PairStatus is the lifecycle state of a HedgedPair.
type PairStatus string

const (
	PairPending   PairStatus = "PENDING"
	PairComplete  PairStatus = "COMPLETE"
	PairSingleLeg PairStatus = "SINGLE_LEG"
	PairClosed    PairStatus = "CLOSED"
)

// NormalizeSymbol strips venue-specific suffixes and casing so that the same
// underlying asset compares equal across venues. Idempotent:
// NormalizeSymbol(NormalizeSymbol(s)) == NormalizeSymbol(s).
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for _, suffix := range []string{"-PERP", "-USD", "USDT", "USDC", "-USDT", "-USDC"} {
		s = strings.TrimSuffix(s, suffix)
	}
	var b strings.Builder
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Position is a single venue/symbol/side exposure as last observed from a
// venue. Identity for diffing purposes is (Venue, Symbol, Side).
type Position struct {
	Venue            string          `json:"venue"`
	Symbol           string          `json:"symbol"`
	Side             PositionSide    `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	Leverage         decimal.Decimal `json:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	MarginUsed       decimal.Decimal `json:"margin_used"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// IsDust reports whether this position's size is within DustThreshold.
func (p Position) IsDust() bool { return IsDust(p.Size) }

// Order is a single venue order, placed or observed.
type Order struct {
	OrderID         string          `json:"order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	Venue           string          `json:"venue"`
	Symbol          string          `json:"symbol"`
	Side            PositionSide    `json:"side"`
	Type            OrderType       `json:"type"`
	Size            decimal.Decimal `json:"size"`
	Price           decimal.Decimal `json:"price"`
	TimeInForce     TimeInForce     `json:"time_in_force"`
	ReduceOnly      bool            `json:"reduce_only"`
	PlacedAt        time.Time       `json:"placed_at"`
	Status          OrderStatus     `json:"status"`
	FilledSize      decimal.Decimal `json:"filled_size"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price"`
}

// HedgedPair is the durable intent record for one opened delta-neutral pair.
type HedgedPair struct {
	PairID        string          `json:"pair_id"`
	Symbol        string          `json:"symbol"`
	LongVenue     string          `json:"long_venue"`
	ShortVenue    string          `json:"short_venue"`
	IntendedSize  decimal.Decimal `json:"intended_size"`
	LongFilled    bool            `json:"long_filled"`
	ShortFilled   bool            `json:"short_filled"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Status        PairStatus      `json:"status"`
	RetryCount    int             `json:"retry_count"`
}

// ActiveOrderKey identifies the at-most-one-order-per-slot execution lock
// registry key.
type ActiveOrderKey struct {
	Venue  string
	Symbol string
	Side   PositionSide
}

// CooldownEntry records a completed profit-take so the evaluator can exclude
// the symbol until the basis reverts or the cooldown window elapses.
type CooldownEntry struct {
	Symbol          string          `json:"symbol"`
	LongExitPrice   decimal.Decimal `json:"long_exit_price"`
	ShortExitPrice  decimal.Decimal `json:"short_exit_price"`
	ExitTime        time.Time       `json:"exit_time"`
	ProfitPercent   decimal.Decimal `json:"profit_percent"`
}

// ImbalanceTracker records how long a symbol has been persistently
// imbalanced, feeding the nuclear-close timeout calculation.
type ImbalanceTracker struct {
	Symbol          string    `json:"symbol"`
	FirstDetectedAt time.Time `json:"first_detected_at"`
	LastImbalancePct decimal.Decimal `json:"last_imbalance_pct"`
	AttemptCount    int       `json:"attempt_count"`
	LongVenue       string    `json:"long_venue"`
	ShortVenue      string    `json:"short_venue"`
}

// ImbalanceTier classifies the magnitude of a cross-venue size divergence.
type ImbalanceTier string

const (
	ImbalanceBalanced ImbalanceTier = "BALANCED"
	ImbalanceMinor    ImbalanceTier = "MINOR"
	ImbalanceMedium   ImbalanceTier = "MEDIUM"
	ImbalanceSevere   ImbalanceTier = "SEVERE"
	ImbalanceSingle   ImbalanceTier = "SINGLE_LEG"
)

// ClassifyImbalance buckets a size-divergence percentage (0..1) into a tier.
func ClassifyImbalance(pct decimal.Decimal) ImbalanceTier {
	switch {
	case pct.LessThanOrEqual(decimal.NewFromFloat(0.05)):
		return ImbalanceBalanced
	case pct.LessThan(decimal.NewFromFloat(0.10)):
		return ImbalanceMinor
	case pct.LessThan(decimal.NewFromFloat(0.30)):
		return ImbalanceMedium
	default:
		return ImbalanceSevere
	}
}

// Opportunity is a ranked candidate the evaluator surfaces for opening or
// rotating into.
type Opportunity struct {
	Symbol               string          `json:"symbol"`
	LongVenue            string          `json:"long_venue"`
	ShortVenue           string          `json:"short_venue"`
	LongRate             decimal.Decimal `json:"long_rate"`
	ShortRate            decimal.Decimal `json:"short_rate"`
	Spread               decimal.Decimal `json:"spread"`
	PredictedSpread      decimal.Decimal `json:"predicted_spread"`
	Confidence           decimal.Decimal `json:"confidence"`
	ExpectedReturnPerHour decimal.Decimal `json:"expected_return_per_hour"`
	MaxPositionUSD       decimal.Decimal `json:"max_position_usd"`
	BreakEvenHours       decimal.Decimal `json:"break_even_hours,omitempty"`
}

// FundingSnapshot is one venue's current funding rate for a symbol, fed by
// the external FundingSource collaborator.
type FundingSnapshot struct {
	Venue          string          `json:"venue"`
	Symbol         string          `json:"symbol"`
	Rate           decimal.Decimal `json:"rate"`
	NextFundingAt  time.Time       `json:"next_funding_at"`
	ObservedAt     time.Time       `json:"observed_at"`
}
