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

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	return s
}

func TestFileStore_SaveAndGet(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	pair := &core.HedgedPair{PairID: "p1", Symbol: "BTC", LongVenue: "HL", ShortVenue: "L", IntendedSize: decimal.NewFromInt(1), Status: core.PairPending}
	require.NoError(t, s.Save(ctx, pair))

	got, ok, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTC", got.Symbol)
}

func TestFileStore_SurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	ctx := context.Background()

	s1, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Save(ctx, &core.HedgedPair{PairID: "p1", Symbol: "ETH", Status: core.PairComplete}))

	s2, err := NewFileStore(path)
	require.NoError(t, err)
	got, ok, err := s2.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.PairComplete, got.Status)
}

func TestFileStore_MarkSingleLegAndClosed(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &core.HedgedPair{PairID: "p1", Status: core.PairComplete, LongFilled: true, ShortFilled: true}))

	require.NoError(t, s.MarkSingleLeg(ctx, "p1", true, false))
	got, _, _ := s.Get(ctx, "p1")
	assert.Equal(t, core.PairSingleLeg, got.Status)
	assert.False(t, got.ShortFilled)

	require.NoError(t, s.MarkClosed(ctx, "p1"))
	got, _, _ = s.Get(ctx, "p1")
	assert.Equal(t, core.PairClosed, got.Status)
}

func TestFileStore_CleanupOldPositions(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	old := &core.HedgedPair{PairID: "old", Status: core.PairClosed, UpdatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &core.HedgedPair{PairID: "fresh", Status: core.PairClosed, UpdatedAt: time.Now()}
	require.NoError(t, s.Save(ctx, old))
	require.NoError(t, s.Save(ctx, fresh))

	n, err := s.CleanupOldPositions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, _ := s.Get(ctx, "old")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "fresh")
	assert.True(t, ok)
}

func TestFileStore_IncrementRetryCount(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &core.HedgedPair{PairID: "p1"}))

	n, err := s.IncrementRetryCount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementRetryCount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
