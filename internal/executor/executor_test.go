package executor

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

func TestPlaceAndWait_ImmediateFill(t *testing.T) {
	locks := lockregistry.New(logging.NewLogger(logging.InfoLevel, nil))
	v := venue.NewMock("HL")
	v.SeedMarkPrice("BTC", decimal.NewFromInt(60000))
	e := New(Config{}, locks, logging.NewLogger(logging.InfoLevel, nil))

	req := core.PlaceOrderRequest{Symbol: "BTC", Side: core.SideLong, Type: core.OrderTypeLimit, TimeInForce: core.TIFGTC, Size: decimal.NewFromInt(1), Price: decimal.NewFromInt(60000)}
	order, err := e.PlaceAndWait(context.Background(), v, req, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, order.Status)
	assert.False(t, locks.HasActiveOrder("HL", "BTC", core.SideLong))
}

func TestPlaceAndWait_TimesOutAndCancels(t *testing.T) {
	locks := lockregistry.New(logging.NewLogger(logging.InfoLevel, nil))
	v := venue.NewMock("HL")
	v.AutoFill = false
	e := New(Config{MaxRetries: 1, MaxBackoffDelayOpening: 50 * time.Millisecond, PostCancelGrace: 10 * time.Millisecond}, locks, logging.NewLogger(logging.InfoLevel, nil))

	req := core.PlaceOrderRequest{Symbol: "ETH", Side: core.SideShort, Type: core.OrderTypeLimit, TimeInForce: core.TIFGTC, Size: decimal.NewFromInt(1), Price: decimal.NewFromInt(3000)}
	_, err := e.PlaceAndWait(context.Background(), v, req, "thread-2")
	require.Error(t, err)
}
