package perf

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFundingCapture_AccumulatesPerSymbol(t *testing.T) {
	l := New()
	l.MarkOpened("BTC-PERP")
	l.RecordFundingCapture("BTC-PERP", decimal.NewFromInt(5))
	l.RecordFundingCapture("btcusdt", decimal.NewFromInt(3))

	stats, ok := l.Get("BTC")
	require.True(t, ok)
	assert.True(t, stats.FundingCaptured.Equal(decimal.NewFromInt(8)))
}

func TestRecordTradingCost_ReducesRealizedAPY(t *testing.T) {
	l := New()
	l.MarkOpened("ETH")
	l.RecordFundingCapture("ETH", decimal.NewFromInt(10))
	stats1, _ := l.Get("ETH")

	l.RecordTradingCost("ETH", decimal.NewFromInt(4))
	stats2, _ := l.Get("ETH")

	assert.True(t, stats2.RealizedAPY.LessThan(stats1.RealizedAPY))
}

func TestGet_UnknownSymbolReturnsFalse(t *testing.T) {
	l := New()
	_, ok := l.Get("DOGE")
	assert.False(t, ok)
}

func TestReset_ClearsAccumulatedStats(t *testing.T) {
	l := New()
	l.MarkOpened("SOL")
	l.RecordFundingCapture("SOL", decimal.NewFromInt(1))
	l.Reset("SOL")

	_, ok := l.Get("SOL")
	assert.False(t, ok)
}

func TestAll_ReturnsEveryTrackedSymbol(t *testing.T) {
	l := New()
	l.MarkOpened("BTC")
	l.MarkOpened("ETH")
	l.RecordFundingCapture("BTC", decimal.NewFromInt(1))
	l.RecordFundingCapture("ETH", decimal.NewFromInt(2))

	all := l.All()
	assert.Len(t, all, 2)
}
