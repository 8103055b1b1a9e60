// Package venue provides a fake VenueAdapter used by unit tests. Real
// exchange wiring (REST/WebSocket clients, request signing, symbol-metadata
// discovery) is an external collaborator outside this module's scope; Mock
// stands in for it wherever a test needs a VenueAdapter.
package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingkeeper/internal/core"
	apperrors "fundingkeeper/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mock is an in-memory, concurrency-safe VenueAdapter for tests.
type Mock struct {
	name string

	mu         sync.Mutex
	positions  map[string]*core.Position // "symbol:side" -> position
	orders     map[string]*core.Order
	markPrices map[string]decimal.Decimal
	balance    decimal.Decimal
	equity     decimal.Decimal

	FailGetPositions error
	FailPlaceOrder   error
	AutoFill         bool // if true, PlaceOrder immediately returns a filled order
}

// NewMock creates a mock venue with 100000 balance and equity and AutoFill
// on; tests seed state with the Seed* helpers.
func NewMock(name string) *Mock {
	return &Mock{
		name:       name,
		positions:  make(map[string]*core.Position),
		orders:     make(map[string]*core.Order),
		markPrices: make(map[string]decimal.Decimal),
		balance:    decimal.NewFromInt(100000),
		equity:     decimal.NewFromInt(100000),
		AutoFill:   true,
	}
}

func posKey(symbol string, side core.PositionSide) string { return symbol + ":" + string(side) }

func (m *Mock) SeedPosition(p *core.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[posKey(p.Symbol, p.Side)] = p
	m.markPrices[p.Symbol] = p.MarkPrice
}

func (m *Mock) SeedMarkPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPrices[symbol] = price
}

func (m *Mock) SetBalance(balance, equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = balance
	m.equity = equity
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*core.Order, error) {
	if m.FailPlaceOrder != nil {
		return nil, m.FailPlaceOrder
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	order := &core.Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Venue:         m.name,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Size:          req.Size,
		Price:         req.Price,
		TimeInForce:   req.TimeInForce,
		ReduceOnly:    req.ReduceOnly,
		PlacedAt:      time.Now(),
		Status:        core.OrderWaitingFill,
	}
	if m.AutoFill {
		order.Status = core.OrderFilled
		order.FilledSize = req.Size
		order.AverageFillPrice = req.Price
		if price, ok := m.markPrices[req.Symbol]; ok && order.AverageFillPrice.IsZero() {
			order.AverageFillPrice = price
		}
	}
	m.orders[order.OrderID] = order
	return order, nil
}

func (m *Mock) ModifyOrder(ctx context.Context, orderID string, req core.PlaceOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	o.Price = req.Price
	o.Size = req.Size
	return o, nil
}

func (m *Mock) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if o.Status.IsTerminal() {
		return apperrors.ErrOrderAlreadyCancelled
	}
	o.Status = core.OrderCancelled
	return nil
}

func (m *Mock) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			o.Status = core.OrderCancelled
		}
	}
	return nil
}

func (m *Mock) GetOrderStatus(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return o, nil
}

func (m *Mock) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Order, 0)
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Mock) GetPositions(ctx context.Context) ([]*core.Position, error) {
	if m.FailGetPositions != nil {
		return nil, m.FailGetPositions
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *Mock) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *Mock) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity, nil
}

func (m *Mock) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.markPrices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: no mark price for %s", m.name, symbol)
	}
	return price, nil
}

func (m *Mock) DepositExternal(ctx context.Context, amountUSD decimal.Decimal, asset string) error {
	return apperrors.ErrNotSupported
}

func (m *Mock) ClearPositionCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]*core.Position)
}

var _ core.VenueAdapter = (*Mock)(nil)
