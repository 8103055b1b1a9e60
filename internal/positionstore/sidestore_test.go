package positionstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fundingkeeper/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSideStore(t *testing.T) *SideStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "side.db")
	s, err := NewSideStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSideStore_RecordAndRecentOrders(t *testing.T) {
	s := newTestSideStore(t)
	ctx := context.Background()

	o1 := &core.Order{OrderID: "o1", Symbol: "BTC", PlacedAt: time.Now().Add(-time.Minute)}
	o2 := &core.Order{OrderID: "o2", Symbol: "BTC", PlacedAt: time.Now()}
	require.NoError(t, s.RecordOrder(ctx, o1))
	require.NoError(t, s.RecordOrder(ctx, o2))

	orders, err := s.RecentOrders(ctx, "BTC", 10)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o2", orders[0].OrderID)
}

func TestSideStore_CooldownRoundTrip(t *testing.T) {
	s := newTestSideStore(t)
	ctx := context.Background()

	_, ok, err := s.GetCooldown(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := core.CooldownEntry{Symbol: "BTC", ExitTime: time.Now(), ProfitPercent: decimal.NewFromFloat(0.5)}
	require.NoError(t, s.SaveCooldown(ctx, entry))

	got, ok, err := s.GetCooldown(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.ProfitPercent.Equal(decimal.NewFromFloat(0.5)))

	require.NoError(t, s.ClearCooldown(ctx, "BTC"))
	_, ok, _ = s.GetCooldown(ctx, "BTC")
	assert.False(t, ok)
}

func TestSideStore_ImbalanceRoundTrip(t *testing.T) {
	s := newTestSideStore(t)
	ctx := context.Background()

	tracker := core.ImbalanceTracker{Symbol: "ETH", FirstDetectedAt: time.Now(), LastImbalancePct: decimal.NewFromFloat(0.12), AttemptCount: 2}
	require.NoError(t, s.SaveImbalance(ctx, tracker))

	got, ok, err := s.GetImbalance(ctx, "ETH")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.AttemptCount)

	require.NoError(t, s.ClearImbalance(ctx, "ETH"))
	_, ok, _ = s.GetImbalance(ctx, "ETH")
	assert.False(t, ok)
}
