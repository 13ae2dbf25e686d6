package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ict-engine/strategy"
)

// fakeLiqGateway scripts venue behavior for liquidation runs.
type fakeLiqGateway struct {
	mu        sync.Mutex
	positions []*strategy.Position
	cancelled []string
	closed    []string

	closeDelay time.Duration
	closeErr   map[string]error
}

func (f *fakeLiqGateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, symbol)
	f.mu.Unlock()
	return nil
}

func (f *fakeLiqGateway) OpenPositions(ctx context.Context) ([]*strategy.Position, error) {
	return f.positions, nil
}

func (f *fakeLiqGateway) ClosePositionMarket(ctx context.Context, symbol string, side OrderSide, qty float64) error {
	if f.closeDelay > 0 {
		select {
		case <-time.After(f.closeDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err, ok := f.closeErr[symbol]; ok && err != nil {
		return err
	}
	f.mu.Lock()
	f.closed = append(f.closed, symbol)
	f.mu.Unlock()
	return nil
}

func pos(symbol string, side strategy.PositionSide) *strategy.Position {
	return &strategy.Position{Symbol: symbol, Side: side, Quantity: 1, EntryPrice: 100}
}

func newLiqManager(t *testing.T, gw liquidationGateway, budget time.Duration, enabled bool) *LiquidationManager {
	t.Helper()
	audit, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(audit.Close)
	return NewLiquidationManager(gw, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, budget, enabled, audit, nil, nil)
}

func TestLiquidationCompleted(t *testing.T) {
	gw := &fakeLiqGateway{positions: []*strategy.Position{
		pos("BTCUSDT", strategy.SideLong),
		pos("ETHUSDT", strategy.SideShort),
	}}
	lm := newLiqManager(t, gw, 5*time.Second, true)

	report := lm.Run(context.Background())
	assert.Equal(t, LiquidationCompleted, report.State)
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, report.Closed)
	assert.Empty(t, report.StillOpen)
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, gw.cancelled)
}

func TestLiquidationSkipped(t *testing.T) {
	gw := &fakeLiqGateway{positions: []*strategy.Position{pos("BTCUSDT", strategy.SideLong)}}
	lm := newLiqManager(t, gw, 5*time.Second, false)

	report := lm.Run(context.Background())
	assert.Equal(t, LiquidationSkipped, report.State)
	assert.Empty(t, gw.cancelled)
}

func TestLiquidationPartial(t *testing.T) {
	gw := &fakeLiqGateway{
		positions: []*strategy.Position{
			pos("BTCUSDT", strategy.SideLong),
			pos("ETHUSDT", strategy.SideLong),
		},
		closeErr: map[string]error{"ETHUSDT": errors.New("margin call")},
	}
	lm := newLiqManager(t, gw, 5*time.Second, true)

	report := lm.Run(context.Background())
	assert.Equal(t, LiquidationPartial, report.State)
	assert.Equal(t, []string{"BTCUSDT"}, report.Closed)
	assert.Equal(t, []string{"ETHUSDT"}, report.StillOpen)
}

func TestLiquidationFailed(t *testing.T) {
	gw := &fakeLiqGateway{
		positions: []*strategy.Position{pos("BTCUSDT", strategy.SideLong)},
		closeErr:  map[string]error{"BTCUSDT": errors.New("venue unreachable")},
	}
	lm := newLiqManager(t, gw, 5*time.Second, true)

	report := lm.Run(context.Background())
	assert.Equal(t, LiquidationFailed, report.State)
}

// Three positions, each close takes ~300ms against a 500ms budget: the
// report must say TIMED_OUT, list open positions, and return promptly.
func TestLiquidationTimedOut(t *testing.T) {
	gw := &fakeLiqGateway{
		positions: []*strategy.Position{
			pos("BTCUSDT", strategy.SideLong),
			pos("ETHUSDT", strategy.SideLong),
			pos("SOLUSDT", strategy.SideLong),
		},
		closeDelay: 300 * time.Millisecond,
	}
	lm := newLiqManager(t, gw, 500*time.Millisecond, true)

	start := time.Now()
	report := lm.Run(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, LiquidationTimedOut, report.State)
	assert.NotEmpty(t, report.StillOpen)
	assert.Less(t, elapsed, 3*time.Second, "shutdown must never hang past the budget")
}

func TestLiquidationIdempotent(t *testing.T) {
	gw := &fakeLiqGateway{positions: []*strategy.Position{pos("BTCUSDT", strategy.SideLong)}}
	lm := newLiqManager(t, gw, 5*time.Second, true)

	first := lm.Run(context.Background())
	second := lm.Run(context.Background())
	assert.Equal(t, first, second)
	assert.Len(t, gw.closed, 1, "re-invocation must not close twice")
}
