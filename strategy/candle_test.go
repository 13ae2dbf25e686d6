package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkCandle(closeTime int64, close float64, closed bool) Candle {
	return Candle{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		Open:      close - 1,
		High:      close + 2,
		Low:       close - 2,
		Close:     close,
		Volume:    10,
		OpenTime:  closeTime - 60_000,
		CloseTime: closeTime,
		IsClosed:  closed,
	}
}

func TestRingBufferOrdering(t *testing.T) {
	buf := NewRingBuffer(10)
	buf.Push(mkCandle(1000, 100, true))
	buf.Push(mkCandle(2000, 101, true))
	buf.Push(mkCandle(3000, 102, true))

	require.Equal(t, 3, buf.Len())
	for i := 1; i < buf.Len(); i++ {
		assert.Greater(t, buf.At(i).CloseTime, buf.At(i-1).CloseTime)
	}
}

func TestRingBufferDedupOnCloseTime(t *testing.T) {
	buf := NewRingBuffer(10)
	buf.Push(mkCandle(1000, 100, true))

	// Updating tick for the same bar replaces in place.
	buf.Push(mkCandle(2000, 101, false))
	buf.Push(mkCandle(2000, 102, false))
	require.Equal(t, 2, buf.Len())
	last, ok := buf.Last()
	require.True(t, ok)
	assert.Equal(t, 102.0, last.Close)
	assert.False(t, last.IsClosed)

	// Closing print for the same close time replaces the tick.
	buf.Push(mkCandle(2000, 103, true))
	require.Equal(t, 2, buf.Len())
	last, _ = buf.Last()
	assert.Equal(t, 103.0, last.Close)
	assert.True(t, last.IsClosed)
}

func TestRingBufferRejectsStale(t *testing.T) {
	buf := NewRingBuffer(10)
	buf.Push(mkCandle(5000, 100, true))
	ok := buf.Push(mkCandle(4000, 99, true))
	assert.False(t, ok)
	assert.Equal(t, 1, buf.Len())
}

func TestRingBufferCapacityEviction(t *testing.T) {
	buf := NewRingBuffer(3)
	for i := int64(1); i <= 5; i++ {
		buf.Push(mkCandle(i*1000, float64(100+i), true))
	}
	require.Equal(t, 3, buf.Len())
	assert.Equal(t, int64(3000), buf.At(0).CloseTime)
	assert.Equal(t, int64(5000), buf.At(2).CloseTime)
}

func TestRingBufferClosedLen(t *testing.T) {
	buf := NewRingBuffer(10)
	buf.Push(mkCandle(1000, 100, true))
	buf.Push(mkCandle(2000, 101, true))
	buf.Push(mkCandle(3000, 102, false))

	assert.Equal(t, 3, buf.Len())
	assert.Equal(t, 2, buf.ClosedLen())
	assert.Len(t, buf.Closes(), 2)
}

func TestSignalGeometry(t *testing.T) {
	long := &Signal{Kind: SignalEntryLong, EntryPrice: 100, StopLoss: 99, TakeProfit: 102}
	require.NoError(t, long.ValidateGeometry())

	badLong := &Signal{Kind: SignalEntryLong, EntryPrice: 100, StopLoss: 102, TakeProfit: 105}
	require.Error(t, badLong.ValidateGeometry())

	short := &Signal{Kind: SignalEntryShort, EntryPrice: 100, StopLoss: 101, TakeProfit: 97}
	require.NoError(t, short.ValidateGeometry())

	badShort := &Signal{Kind: SignalEntryShort, EntryPrice: 100, StopLoss: 98, TakeProfit: 97}
	require.Error(t, badShort.ValidateGeometry())
}

func TestComputeRR(t *testing.T) {
	assert.InDelta(t, 2.0, ComputeRR(100, 99, 102), 1e-9)
	assert.InDelta(t, 3.0, ComputeRR(100, 102, 94), 1e-9)
	assert.Zero(t, ComputeRR(100, 100, 105))
}
