// Package lockregistry implements the Execution-Lock Registry of spec.md
// §4.1: a global lock guarding portfolio-wide actions, per-symbol locks
// guarding a single hedged pair, an active-order map keyed by
// venue+symbol+side, and a per-symbol execution-cooldown window.
//
// LOCK ORDERING HIERARCHY
//
//  1. Global lock, always acquired first.
//  2. Symbol locks, acquired in lexicographic order of symbol name when more
//     than one is needed (e.g. a rotation that closes one symbol and opens
//     another). Acquiring out of order risks deadlock between two threads
//     racing the same pair of symbols in opposite order.
//
// All acquisition here is non-blocking try-acquire: a caller that cannot get
// a lock immediately is expected to back off and retry on the next scheduler
// tick rather than block a goroutine waiting on it.
package lockregistry

import (
	"sort"
	"sync"
	"time"

	"fundingkeeper/internal/core"
)

type orderKey struct {
	venue, symbol string
	side          core.PositionSide
}

// Registry implements core.LockRegistry.
type Registry struct {
	logger core.ILogger

	globalMu     sync.Mutex
	globalHeld   bool
	globalHolder string

	symbolMu sync.Mutex
	symbols  map[string]string // symbol -> threadID holding it

	ordersMu    sync.Mutex
	orders      map[orderKey]*core.Order
	orderThread map[string]string   // orderID -> threadID
	threadOrder map[string][]string // threadID -> orderIDs

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time // symbol -> execution completed at
}

// New creates an empty lock registry.
func New(logger core.ILogger) *Registry {
	return &Registry{
		logger:      logger.WithField("component", "lock_registry"),
		symbols:     make(map[string]string),
		orders:      make(map[orderKey]*core.Order),
		orderThread: make(map[string]string),
		threadOrder: make(map[string][]string),
		cooldowns:   make(map[string]time.Time),
	}
}

func (r *Registry) TryAcquireGlobalLock(threadID, reason string) bool {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	if r.globalHeld {
		return false
	}
	r.globalHeld = true
	r.globalHolder = threadID
	r.logger.Debug("global lock acquired", "thread", threadID, "reason", reason)
	return true
}

func (r *Registry) ReleaseGlobalLock(threadID string) {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	if r.globalHeld && r.globalHolder == threadID {
		r.globalHeld = false
		r.globalHolder = ""
		r.logger.Debug("global lock released", "thread", threadID)
	}
}

func (r *Registry) IsGlobalLockHeld() bool {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	return r.globalHeld
}

func (r *Registry) TryAcquireSymbolLock(symbol, threadID, reason string) bool {
	r.symbolMu.Lock()
	defer r.symbolMu.Unlock()
	if holder, ok := r.symbols[symbol]; ok && holder != threadID {
		return false
	}
	r.symbols[symbol] = threadID
	r.logger.Debug("symbol lock acquired", "symbol", symbol, "thread", threadID, "reason", reason)
	return true
}

func (r *Registry) ReleaseSymbolLock(symbol, threadID string) {
	r.symbolMu.Lock()
	defer r.symbolMu.Unlock()
	if holder, ok := r.symbols[symbol]; ok && holder == threadID {
		delete(r.symbols, symbol)
		r.logger.Debug("symbol lock released", "symbol", symbol, "thread", threadID)
	}
}

func (r *Registry) IsSymbolLocked(symbol string) bool {
	r.symbolMu.Lock()
	defer r.symbolMu.Unlock()
	_, ok := r.symbols[symbol]
	return ok
}

// TryAcquireSymbolPair acquires locks for two symbols in lexicographic order,
// releasing whichever it already holds if the second acquisition fails.
// Exposed for callers (rotation, leg recovery) that need two symbols at once
// and must respect the ordering hierarchy.
func (r *Registry) TryAcquireSymbolPair(a, b, threadID, reason string) bool {
	syms := []string{a, b}
	sort.Strings(syms)
	if !r.TryAcquireSymbolLock(syms[0], threadID, reason) {
		return false
	}
	if !r.TryAcquireSymbolLock(syms[1], threadID, reason) {
		r.ReleaseSymbolLock(syms[0], threadID)
		return false
	}
	return true
}

func (r *Registry) RegisterOrderPlacing(order *core.Order, threadID string) {
	r.ordersMu.Lock()
	defer r.ordersMu.Unlock()
	key := orderKey{venue: order.Venue, symbol: order.Symbol, side: order.Side}
	r.orders[key] = order
	r.orderThread[order.OrderID] = threadID
	r.threadOrder[threadID] = append(r.threadOrder[threadID], order.OrderID)
}

func (r *Registry) UpdateOrderStatus(venue, symbol string, side core.PositionSide, status core.OrderStatus, fields core.OrderStatusUpdate) {
	r.ordersMu.Lock()
	defer r.ordersMu.Unlock()
	key := orderKey{venue: venue, symbol: symbol, side: side}
	o, ok := r.orders[key]
	if !ok {
		return
	}
	o.Status = status
	if fields.Price != nil {
		o.Price = *fields.Price
	}
	if fields.FilledSize != nil {
		o.FilledSize = *fields.FilledSize
	}
	if fields.ReduceOnly != nil {
		o.ReduceOnly = *fields.ReduceOnly
	}
	if status.IsTerminal() {
		delete(r.orders, key)
	}
}

func (r *Registry) HasActiveOrder(venue, symbol string, side core.PositionSide) bool {
	r.ordersMu.Lock()
	defer r.ordersMu.Unlock()
	_, ok := r.orders[orderKey{venue: venue, symbol: symbol, side: side}]
	return ok
}

func (r *Registry) GetAllActiveOrders() []*core.Order {
	r.ordersMu.Lock()
	defer r.ordersMu.Unlock()
	out := make([]*core.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	return out
}

func (r *Registry) GetOrdersOlderThan(age time.Duration) []*core.Order {
	cutoff := time.Now().Add(-age)
	r.ordersMu.Lock()
	defer r.ordersMu.Unlock()
	out := make([]*core.Order, 0)
	for _, o := range r.orders {
		if o.PlacedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out
}

func (r *Registry) ForceClearOrder(venue, symbol string, side core.PositionSide) {
	r.ordersMu.Lock()
	defer r.ordersMu.Unlock()
	key := orderKey{venue: venue, symbol: symbol, side: side}
	if o, ok := r.orders[key]; ok {
		delete(r.orderThread, o.OrderID)
		delete(r.orders, key)
		r.logger.Warn("force-cleared stale order", "venue", venue, "symbol", symbol, "side", side)
	}
}

func (r *Registry) IsInExecutionCooldown(symbol string, window time.Duration) bool {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	completedAt, ok := r.cooldowns[symbol]
	if !ok {
		return false
	}
	return time.Since(completedAt) < window
}

func (r *Registry) GetExecutionCompletedAt(symbol string) (time.Time, bool) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	t, ok := r.cooldowns[symbol]
	return t, ok
}

func (r *Registry) MarkExecutionCompleted(symbol string) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	r.cooldowns[symbol] = time.Now()
}

func (r *Registry) OrderThread(orderID string) (string, bool) {
	r.ordersMu.Lock()
	defer r.ordersMu.Unlock()
	t, ok := r.orderThread[orderID]
	return t, ok
}

func (r *Registry) OrdersForThread(threadID string) []*core.Order {
	r.ordersMu.Lock()
	defer r.ordersMu.Unlock()
	ids := r.threadOrder[threadID]
	out := make([]*core.Order, 0, len(ids))
	for _, id := range ids {
		for _, o := range r.orders {
			if o.OrderID == id {
				out = append(out, o)
			}
		}
	}
	return out
}

// LockedSymbols returns every symbol currently holding a per-symbol lock,
// for the diagnostics surface's /keeper/locks endpoint. Not part of
// core.LockRegistry.
func (r *Registry) LockedSymbols() map[string]string {
	r.symbolMu.Lock()
	defer r.symbolMu.Unlock()
	out := make(map[string]string, len(r.symbols))
	for symbol, threadID := range r.symbols {
		out[symbol] = threadID
	}
	return out
}

// GlobalLockHolder returns the thread ID currently holding the global lock,
// if any.
func (r *Registry) GlobalLockHolder() (string, bool) {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	if !r.globalHeld {
		return "", false
	}
	return r.globalHolder, true
}

var _ core.LockRegistry = (*Registry)(nil)
