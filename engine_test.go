package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ict-engine/strategy"
)

type noopHistorical struct{}

func (noopHistorical) GetHistoricalCandles(ctx context.Context, symbol, interval string, limit int) ([]strategy.Candle, error) {
	return nil, nil
}

func newIdleEngine(t *testing.T) (*Engine, *LiquidationManager) {
	t.Helper()
	audit, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(audit.Close)

	bus := NewEventBus(nil, audit)
	ingester := NewMarketIngester(map[string][]string{}, noopHistorical{}, func(strategy.Candle) {}, true, nil)
	liq := NewLiquidationManager(&fakeLiqGateway{}, nil, time.Second, true, audit, nil, nil)

	engine := NewEngine(nil)
	require.NoError(t, engine.SetComponents(bus, ingester, nil, liq, audit))
	return engine, liq
}

func TestEngineLifecycleTransitions(t *testing.T) {
	engine, _ := newIdleEngine(t)
	assert.Equal(t, EngineInitialized, engine.State())

	done := make(chan struct{})
	go func() {
		defer close(done)
		report, err := engine.Run(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, LiquidationCompleted, report.State)
	}()

	require.NoError(t, engine.WaitReady(2*time.Second))
	assert.Equal(t, EngineRunning, engine.State())

	_, err := engine.Stop()
	require.NoError(t, err)
	<-done
	assert.Equal(t, EngineStopped, engine.State())
}

func TestEngineRejectsInvalidTransitions(t *testing.T) {
	engine := NewEngine(nil)
	// Run before SetComponents: CREATED -> RUNNING is invalid.
	_, err := engine.Run(context.Background())
	assert.Error(t, err)

	audit, aerr := NewAuditLog(t.TempDir())
	require.NoError(t, aerr)
	t.Cleanup(audit.Close)

	engine2, _ := newIdleEngine(t)
	// Double initialization is invalid.
	err = engine2.SetComponents(nil, nil, nil, nil, audit)
	assert.Error(t, err)
}

func TestEngineReadinessTimeout(t *testing.T) {
	engine, _ := newIdleEngine(t)
	err := engine.WaitReady(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestEngineStopIsIdempotent(t *testing.T) {
	engine, _ := newIdleEngine(t)

	go engine.Run(context.Background())
	require.NoError(t, engine.WaitReady(2*time.Second))

	first, err := engine.Stop()
	require.NoError(t, err)
	second, err := engine.Stop()
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
}

// Starting and stopping with no market data leaves no open orders and no
// open positions when emergency liquidation is on.
func TestEngineCleanStartStop(t *testing.T) {
	audit, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(audit.Close)

	gw := &fakeLiqGateway{} // no positions at the venue
	bus := NewEventBus(nil, audit)
	ingester := NewMarketIngester(map[string][]string{}, noopHistorical{}, func(strategy.Candle) {}, true, nil)
	liq := NewLiquidationManager(gw, []string{"BTCUSDT"}, time.Second, true, audit, nil, nil)

	engine := NewEngine(nil)
	require.NoError(t, engine.SetComponents(bus, ingester, nil, liq, audit))

	go engine.Run(context.Background())
	require.NoError(t, engine.WaitReady(2*time.Second))

	report, err := engine.Stop()
	require.NoError(t, err)
	assert.Equal(t, LiquidationCompleted, report.State)
	assert.Empty(t, report.StillOpen)
	assert.Contains(t, gw.cancelled, "BTCUSDT", "open orders are cancelled on shutdown")
}
