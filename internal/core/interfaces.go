package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PlaceOrderRequest is the uniform request shape every VenueAdapter accepts.
type PlaceOrderRequest struct {
	Symbol        string
	Side          PositionSide
	Type          OrderType
	TimeInForce   TimeInForce
	Size          decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	PostOnly      bool
	ClientOrderID string
}

// VenueAdapter is the uniform contract the core consumes for one exchange.
// Concrete implementations (REST/WebSocket wiring, auth, symbol discovery)
// are external collaborators not covered by this module.
type VenueAdapter interface {
	Name() string

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error)
	ModifyOrder(ctx context.Context, orderID string, req PlaceOrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	GetPositions(ctx context.Context) ([]*Position, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetEquity(ctx context.Context) (decimal.Decimal, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// DepositExternal and ClearPositionCache are optional per spec.md §6;
	// venues that do not support on-chain transfer return ErrNotSupported.
	DepositExternal(ctx context.Context, amountUSD decimal.Decimal, asset string) error
	ClearPositionCache()
}

// FundingSource supplies current and predicted funding rates. The prediction
// model internals are an external collaborator; this core only consumes the
// resulting numbers.
type FundingSource interface {
	GetRate(ctx context.Context, venue, symbol string) (FundingSnapshot, error)
	GetPredictedSpread(ctx context.Context, symbol, longVenue, shortVenue string) (spread decimal.Decimal, reversionHorizon time.Duration, confidence decimal.Decimal, err error)
}

// LockRegistry is the Execution-Lock Registry of spec.md §4.1.
type LockRegistry interface {
	TryAcquireGlobalLock(threadID, reason string) bool
	ReleaseGlobalLock(threadID string)
	IsGlobalLockHeld() bool

	TryAcquireSymbolLock(symbol, threadID, reason string) bool
	ReleaseSymbolLock(symbol, threadID string)
	IsSymbolLocked(symbol string) bool
	// TryAcquireSymbolPair acquires two symbol locks at once in lexicographic
	// order, for rotation and other two-symbol actions; releases whichever it
	// already holds if the second acquisition fails.
	TryAcquireSymbolPair(a, b, threadID, reason string) bool

	RegisterOrderPlacing(order *Order, threadID string)
	UpdateOrderStatus(venue, symbol string, side PositionSide, status OrderStatus, fields OrderStatusUpdate)
	HasActiveOrder(venue, symbol string, side PositionSide) bool
	GetAllActiveOrders() []*Order
	GetOrdersOlderThan(age time.Duration) []*Order
	ForceClearOrder(venue, symbol string, side PositionSide)

	IsInExecutionCooldown(symbol string, window time.Duration) bool
	GetExecutionCompletedAt(symbol string) (time.Time, bool)
	MarkExecutionCompleted(symbol string)

	OrderThread(orderID string) (threadID string, ok bool)
	OrdersForThread(threadID string) []*Order
}

// OrderStatusUpdate carries the optional fields UpdateOrderStatus may refresh.
type OrderStatusUpdate struct {
	OrderID    string
	Price      *decimal.Decimal
	FilledSize *decimal.Decimal
	ReduceOnly *bool
}

// MarketStateCache is the Market-State Cache of spec.md §4.2.
type MarketStateCache interface {
	RefreshAll(ctx context.Context) error
	GetAllPositions() []*Position
	GetPosition(venue, symbol string, side PositionSide) (*Position, bool)
	UpdatePosition(p *Position)
	RemovePosition(venue, symbol string, side PositionSide)
	GetMarkPrice(venue, symbol string) (decimal.Decimal, bool)
	IsStale(venue string) bool
}

// PositionStore is the Position-State Store of spec.md §4.3.
type PositionStore interface {
	Save(ctx context.Context, pair *HedgedPair) error
	Update(ctx context.Context, pairID string, mutate func(*HedgedPair)) error
	Get(ctx context.Context, pairID string) (*HedgedPair, bool, error)
	GetAll(ctx context.Context) ([]*HedgedPair, error)
	GetByStatus(ctx context.Context, status PairStatus) ([]*HedgedPair, error)
	GetActive(ctx context.Context) ([]*HedgedPair, error)
	MarkComplete(ctx context.Context, pairID string) error
	MarkSingleLeg(ctx context.Context, pairID string, longFilled, shortFilled bool) error
	MarkClosed(ctx context.Context, pairID string) error
	IncrementRetryCount(ctx context.Context, pairID string) (int, error)
	Delete(ctx context.Context, pairID string) error
	CleanupOldPositions(ctx context.Context, olderThan time.Duration) (int, error)
}

// SideStore is the secondary sqlite-backed store for order history, cooldowns
// and the persistent-imbalance tracker (spec.md §3 small shared maps).
type SideStore interface {
	RecordOrder(ctx context.Context, o *Order) error
	RecentOrders(ctx context.Context, symbol string, limit int) ([]*Order, error)

	SaveCooldown(ctx context.Context, c CooldownEntry) error
	GetCooldown(ctx context.Context, symbol string) (CooldownEntry, bool, error)
	ClearCooldown(ctx context.Context, symbol string) error

	SaveImbalance(ctx context.Context, t ImbalanceTracker) error
	GetImbalance(ctx context.Context, symbol string) (ImbalanceTracker, bool, error)
	ClearImbalance(ctx context.Context, symbol string) error

	Close() error
}

// OpportunityEvaluator is spec.md §4.4.
type OpportunityEvaluator interface {
	Evaluate(ctx context.Context, symbols []string) ([]Opportunity, error)
	// EvaluateExisting computes the current break-even for an already-open
	// pair, so the rotation loop can compare it against scan candidates via
	// ShouldRotate without re-running the full scan.
	EvaluateExisting(ctx context.Context, symbol, longVenue, shortVenue string) (Opportunity, error)
	ShouldRotate(ctx context.Context, existing Opportunity, candidate Opportunity) (bool, decimal.Decimal)
	IsBlacklisted(symbol string) bool
	AutoBlacklist(symbol string, reason string, ttl time.Duration)
	ClearBlacklist(symbol string)
}

// OrderExecutor is spec.md §4.5.
type OrderExecutor interface {
	PlaceAndWait(ctx context.Context, venue VenueAdapter, req PlaceOrderRequest, threadID string) (*Order, error)
}

// Guardian is spec.md §4.6.
type Guardian interface {
	Start(ctx context.Context) error
	Stop()
	RunOnce(ctx context.Context) error
}

// Reconciler is spec.md §4.7.
type Reconciler interface {
	Start(ctx context.Context) error
	Stop()
	Reconcile(ctx context.Context) error
	TriggerManual(ctx context.Context) error
	Status() ReconcilerStatus
}

// ReconcilerStatus is a read-only snapshot for the diagnostics surface.
type ReconcilerStatus struct {
	LastRunAt     time.Time
	LastError     string
	PairsByStatus map[PairStatus]int
}

// CoreActions is the minimal port extracted to break the
// Reconciler<->Guardian<->Orchestrator cycle (spec.md §9): the top-level
// orchestrator implements it and injects itself into the supervisors at
// startup instead of those supervisors depending on the orchestrator type.
type CoreActions interface {
	ClosePosition(ctx context.Context, venue, symbol string, side PositionSide, reduceOnlyMarket bool) error
	PlaceOrder(ctx context.Context, venue VenueAdapter, req PlaceOrderRequest, threadID string) (*Order, error)
	PartialClose(ctx context.Context, venue, symbol string, side PositionSide, fraction decimal.Decimal) error
}

// CircuitBreaker is the spec.md §7 CLOSED/OPEN/HALF_OPEN breaker consumed by
// the orchestrator's openPair. New-position opens are blocked while open;
// reduce-only actions are always allowed by callers regardless of state.
type CircuitBreaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
	State() string
}

// HealthMonitor exposes component health for the diagnostics surface.
type HealthMonitor interface {
	Register(component string, check func() error)
	Status() map[string]string
	IsHealthy() bool
}

// ILogger is the structured-logging interface every component depends on.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
