package guardian

import (
	"context"
	"testing"
	"time"

	"fundingkeeper/internal/core"
	"fundingkeeper/internal/lockregistry"
	"fundingkeeper/internal/venue"
	"fundingkeeper/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopActions struct{}

func (noopActions) ClosePosition(ctx context.Context, venue, symbol string, side core.PositionSide, reduceOnlyMarket bool) error {
	return nil
}
func (noopActions) PlaceOrder(ctx context.Context, v core.VenueAdapter, req core.PlaceOrderRequest, threadID string) (*core.Order, error) {
	return v.PlaceOrder(ctx, req)
}
func (noopActions) PartialClose(ctx context.Context, venue, symbol string, side core.PositionSide, fraction decimal.Decimal) error {
	return nil
}

func TestRunOnce_ClearsZombieOrders(t *testing.T) {
	logger := logging.NewLogger(logging.InfoLevel, nil)
	locks := lockregistry.New(logger)
	v := venue.NewMock("HL")
	v.AutoFill = false

	order, err := v.PlaceOrder(context.Background(), core.PlaceOrderRequest{Symbol: "BTC", Side: core.SideLong, Price: decimal.NewFromInt(60000), Size: decimal.NewFromInt(1)})
	require.NoError(t, err)
	order.PlacedAt = time.Now().Add(-10 * time.Minute)
	locks.RegisterOrderPlacing(order, "thread-1")

	g := New(Config{}, locks, map[string]core.VenueAdapter{"HL": v}, noopActions{}, logger)
	require.NoError(t, g.RunOnce(context.Background()))

	assert.False(t, locks.HasActiveOrder("HL", "BTC", core.SideLong))
}

func TestRunOnce_SkipsSymbolUnderLock(t *testing.T) {
	logger := logging.NewLogger(logging.InfoLevel, nil)
	locks := lockregistry.New(logger)
	v := venue.NewMock("HL")
	v.AutoFill = false

	order, err := v.PlaceOrder(context.Background(), core.PlaceOrderRequest{Symbol: "ETH", Side: core.SideShort, Price: decimal.NewFromInt(3000), Size: decimal.NewFromInt(1)})
	require.NoError(t, err)
	order.PlacedAt = time.Now().Add(-10 * time.Minute)
	locks.RegisterOrderPlacing(order, "thread-2")
	require.True(t, locks.TryAcquireSymbolLock("ETH", "thread-2", "in-flight"))

	g := New(Config{}, locks, map[string]core.VenueAdapter{"HL": v}, noopActions{}, logger)
	require.NoError(t, g.RunOnce(context.Background()))

	assert.True(t, locks.HasActiveOrder("HL", "ETH", core.SideShort))
}
