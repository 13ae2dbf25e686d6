package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ict-engine/strategy"
)

// fakeStrategy counts calls and returns canned signals.
type fakeStrategy struct {
	symbol       string
	requirements []string

	analyzeCalls    int
	shouldExitCalls int
	updateCalls     int

	analyzeResult *strategy.Signal
	exitResult    *strategy.Signal
	trailLevel    float64
	trailActive   bool
}

func (f *fakeStrategy) Symbol() string                    { return f.symbol }
func (f *fakeStrategy) Name() string                      { return "fake" }
func (f *fakeStrategy) Requirements() []string            { return f.requirements }
func (f *fakeStrategy) UpdateBuffer(c strategy.Candle)    { f.updateCalls++ }
func (f *fakeStrategy) IsReady() bool                     { return true }
func (f *fakeStrategy) Analyze(c strategy.Candle) *strategy.Signal {
	f.analyzeCalls++
	return f.analyzeResult
}
func (f *fakeStrategy) ShouldExit(pos *strategy.Position, c strategy.Candle) *strategy.Signal {
	f.shouldExitCalls++
	return f.exitResult
}
func (f *fakeStrategy) TrailingStop(pos *strategy.Position, c strategy.Candle) (float64, bool) {
	return f.trailLevel, f.trailActive
}

type fakePositions struct {
	pos map[string]*strategy.Position
}

func (f *fakePositions) Get(ctx context.Context, symbol string) (*strategy.Position, error) {
	if p, ok := f.pos[symbol]; ok {
		return p, nil
	}
	return &strategy.Position{Symbol: symbol, Side: strategy.SideFlat}, nil
}

type fakeStops struct {
	current    float64
	tracked    bool
	replaced   []float64
	replaceErr error
}

func (f *fakeStops) ProtectiveStop(symbol string) (float64, bool) { return f.current, f.tracked }
func (f *fakeStops) ReplaceProtectiveStop(ctx context.Context, symbol string, side OrderSide, newStop float64) error {
	f.replaced = append(f.replaced, newStop)
	return f.replaceErr
}

type published struct {
	events []Event
}

func (p *published) publish(ev Event, queue string) bool {
	p.events = append(p.events, ev)
	return true
}

func dataCandle(symbol, interval string, closeTime int64) strategy.Candle {
	return strategy.Candle{Symbol: symbol, Interval: interval, Close: 100, CloseTime: closeTime, IsClosed: true}
}

func TestDispatcherCooldownBoundary(t *testing.T) {
	st := &fakeStrategy{symbol: "BTCUSDT", requirements: []string{"5m"},
		analyzeResult: &strategy.Signal{Kind: strategy.SignalEntryLong, Symbol: "BTCUSDT"}}
	pub := &published{}
	d := NewDispatcher(map[string]strategy.Strategy{"BTCUSDT": st},
		&fakePositions{}, &fakeStops{}, pub.publish, 300*time.Second, nil)

	t0 := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	now := t0
	d.SetClock(func() time.Time { return now })

	// First candle produces a signal and stamps the cooldown.
	require.NoError(t, d.HandleCandle(context.Background(), Event{Tag: EventCandleClosed, Payload: dataCandle("BTCUSDT", "5m", 1)}))
	assert.Equal(t, 1, st.analyzeCalls)

	// t+299s: analyze must NOT be called.
	now = t0.Add(299 * time.Second)
	require.NoError(t, d.HandleCandle(context.Background(), Event{Tag: EventCandleClosed, Payload: dataCandle("BTCUSDT", "5m", 2)}))
	assert.Equal(t, 1, st.analyzeCalls)

	// t+300s: cooldown elapsed, analyze runs again.
	now = t0.Add(300 * time.Second)
	require.NoError(t, d.HandleCandle(context.Background(), Event{Tag: EventCandleClosed, Payload: dataCandle("BTCUSDT", "5m", 3)}))
	assert.Equal(t, 2, st.analyzeCalls)
}

func TestDispatcherOpenPositionCallsShouldExitOnly(t *testing.T) {
	st := &fakeStrategy{symbol: "BTCUSDT", requirements: []string{"5m"}}
	pub := &published{}
	positions := &fakePositions{pos: map[string]*strategy.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 1, EntryPrice: 100},
	}}
	d := NewDispatcher(map[string]strategy.Strategy{"BTCUSDT": st}, positions, &fakeStops{}, pub.publish, time.Minute, nil)

	require.NoError(t, d.HandleCandle(context.Background(), Event{Payload: dataCandle("BTCUSDT", "5m", 1)}))
	assert.Equal(t, 1, st.shouldExitCalls, "should_exit exactly once")
	assert.Zero(t, st.analyzeCalls, "analyze never while position open")
}

func TestDispatcherExitSignalPublished(t *testing.T) {
	exit := &strategy.Signal{Kind: strategy.SignalExitLong, Symbol: "BTCUSDT", ExitReason: strategy.ExitReasonTrailingStop}
	st := &fakeStrategy{symbol: "BTCUSDT", requirements: []string{"5m"}, exitResult: exit}
	pub := &published{}
	positions := &fakePositions{pos: map[string]*strategy.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 1, EntryPrice: 100},
	}}
	d := NewDispatcher(map[string]strategy.Strategy{"BTCUSDT": st}, positions, &fakeStops{}, pub.publish, time.Minute, nil)

	require.NoError(t, d.HandleCandle(context.Background(), Event{Payload: dataCandle("BTCUSDT", "5m", 1)}))
	require.Len(t, pub.events, 1)
	assert.Equal(t, EventSignal, pub.events[0].Tag)
	assert.Equal(t, exit, pub.events[0].Payload)
}

func TestDispatcherUnknownSymbolDropped(t *testing.T) {
	st := &fakeStrategy{symbol: "BTCUSDT", requirements: []string{"5m"}}
	pub := &published{}
	d := NewDispatcher(map[string]strategy.Strategy{"BTCUSDT": st}, &fakePositions{}, &fakeStops{}, pub.publish, time.Minute, nil)

	require.NoError(t, d.HandleCandle(context.Background(), Event{Payload: dataCandle("DOGEUSDT", "5m", 1)}))
	assert.Zero(t, st.updateCalls)
	assert.Empty(t, pub.events)
}

func TestDispatcherFiltersUnrequestedIntervals(t *testing.T) {
	st := &fakeStrategy{symbol: "BTCUSDT", requirements: []string{"5m", "1h"}}
	pub := &published{}
	d := NewDispatcher(map[string]strategy.Strategy{"BTCUSDT": st}, &fakePositions{}, &fakeStops{}, pub.publish, time.Minute, nil)

	require.NoError(t, d.HandleCandle(context.Background(), Event{Payload: dataCandle("BTCUSDT", "15m", 1)}))
	assert.Zero(t, st.updateCalls, "unrequested interval must not reach the buffer")
	assert.Zero(t, st.analyzeCalls)

	require.NoError(t, d.HandleCandle(context.Background(), Event{Payload: dataCandle("BTCUSDT", "1h", 2)}))
	assert.Equal(t, 1, st.updateCalls)
}

func TestDispatcherTrailingReplace(t *testing.T) {
	st := &fakeStrategy{symbol: "BTCUSDT", requirements: []string{"5m"}, trailActive: true, trailLevel: 101.0}
	stops := &fakeStops{current: 99.0, tracked: true}
	pub := &published{}
	positions := &fakePositions{pos: map[string]*strategy.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 1, EntryPrice: 100},
	}}
	d := NewDispatcher(map[string]strategy.Strategy{"BTCUSDT": st}, positions, stops, pub.publish, time.Minute, nil)

	require.NoError(t, d.HandleCandle(context.Background(), Event{Payload: dataCandle("BTCUSDT", "5m", 1)}))
	require.Len(t, stops.replaced, 1)
	assert.Equal(t, 101.0, stops.replaced[0])

	// A sub-threshold move does not churn the venue stop.
	stops.current = 101.0
	st.trailLevel = 101.02
	require.NoError(t, d.HandleCandle(context.Background(), Event{Payload: dataCandle("BTCUSDT", "5m", 2)}))
	assert.Len(t, stops.replaced, 1)
}
