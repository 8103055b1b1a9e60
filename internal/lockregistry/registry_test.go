package lockregistry

import (
	"testing"
	"time"

	"fundingkeeper/internal/core"
	"fundingkeeper/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return New(logging.NewLogger(logging.InfoLevel, nil))
}

func TestGlobalLock_ExclusiveAcquisition(t *testing.T) {
	r := newTestRegistry()
	require.True(t, r.TryAcquireGlobalLock("t1", "rotation"))
	assert.False(t, r.TryAcquireGlobalLock("t2", "rotation"))
	r.ReleaseGlobalLock("t1")
	assert.True(t, r.TryAcquireGlobalLock("t2", "rotation"))
}

func TestSymbolLock_ReentrantForSameThread(t *testing.T) {
	r := newTestRegistry()
	require.True(t, r.TryAcquireSymbolLock("BTC", "t1", "open"))
	assert.True(t, r.TryAcquireSymbolLock("BTC", "t1", "open"))
	assert.False(t, r.TryAcquireSymbolLock("BTC", "t2", "open"))
}

func TestSymbolPair_OrdersLexicographically(t *testing.T) {
	r := newTestRegistry()
	require.True(t, r.TryAcquireSymbolPair("ETH", "BTC", "t1", "rotation"))
	assert.True(t, r.IsSymbolLocked("BTC"))
	assert.True(t, r.IsSymbolLocked("ETH"))
}

func TestSymbolPair_ReleasesFirstOnSecondFailure(t *testing.T) {
	r := newTestRegistry()
	require.True(t, r.TryAcquireSymbolLock("ETH", "t2", "open"))
	assert.False(t, r.TryAcquireSymbolPair("BTC", "ETH", "t1", "rotation"))
	assert.False(t, r.IsSymbolLocked("BTC"))
}

func TestActiveOrderTracking(t *testing.T) {
	r := newTestRegistry()
	order := &core.Order{OrderID: "o1", Venue: "HL", Symbol: "BTC", Side: core.SideLong, PlacedAt: time.Now().Add(-time.Hour)}
	r.RegisterOrderPlacing(order, "t1")
	assert.True(t, r.HasActiveOrder("HL", "BTC", core.SideLong))

	stale := r.GetOrdersOlderThan(time.Minute)
	require.Len(t, stale, 1)

	filled := decimal.NewFromInt(1)
	r.UpdateOrderStatus("HL", "BTC", core.SideLong, core.OrderFilled, core.OrderStatusUpdate{FilledSize: &filled})
	assert.False(t, r.HasActiveOrder("HL", "BTC", core.SideLong))
}

func TestExecutionCooldown(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.IsInExecutionCooldown("BTC", time.Minute))
	r.MarkExecutionCompleted("BTC")
	assert.True(t, r.IsInExecutionCooldown("BTC", time.Minute))
	assert.False(t, r.IsInExecutionCooldown("BTC", 0))
}
