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

// fakeVenue scripts the gateway surface the coordinator drives.
type fakeVenue struct {
	mu sync.Mutex

	balance   float64
	lastPrice float64

	entries     []*Order
	stops       []*Order
	takeProfits []*Order
	closes      []string
	cancels     []string

	entryErr error
	slErr    error
	tpErr    error
	closeErr error

	nextOrderID int64
}

func (f *fakeVenue) AccountBalance(ctx context.Context) (float64, error) { return f.balance, nil }
func (f *fakeVenue) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return f.lastPrice, nil
}

func (f *fakeVenue) order(symbol string, side OrderSide, typ OrderType, qty, stop float64) *Order {
	f.nextOrderID++
	return &Order{ID: f.nextOrderID, Symbol: symbol, Side: side, Type: typ, Quantity: qty, StopPrice: stop, Status: OrderStatusNew}
}

func (f *fakeVenue) PlaceMarketEntry(ctx context.Context, symbol string, side OrderSide, qty float64) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entryErr != nil {
		return nil, f.entryErr
	}
	o := f.order(symbol, side, OrderTypeMarket, qty, 0)
	f.entries = append(f.entries, o)
	return o, nil
}

func (f *fakeVenue) PlaceStopMarket(ctx context.Context, symbol string, side OrderSide, stopPrice float64) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slErr != nil {
		return nil, f.slErr
	}
	o := f.order(symbol, side, OrderTypeStopMarket, 0, stopPrice)
	f.stops = append(f.stops, o)
	return o, nil
}

func (f *fakeVenue) PlaceTakeProfitMarket(ctx context.Context, symbol string, side OrderSide, stopPrice float64) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tpErr != nil {
		return nil, f.tpErr
	}
	o := f.order(symbol, side, OrderTypeTakeProfit, 0, stopPrice)
	f.takeProfits = append(f.takeProfits, o)
	return o, nil
}

func (f *fakeVenue) ClosePositionMarket(ctx context.Context, symbol string, side OrderSide, qty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closes = append(f.closes, symbol)
	return nil
}

func (f *fakeVenue) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, symbol)
	return nil
}

type coordFixture struct {
	tc    *TradeCoordinator
	venue *fakeVenue
	cache *PositionCache
	risk  *RiskGuard
}

func newCoordFixture(t *testing.T, venuePos *strategy.Position) *coordFixture {
	t.Helper()
	audit, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(audit.Close)

	venue := &fakeVenue{balance: 10_000, lastPrice: 100}
	cfg := testConfig()
	cache := NewPositionCache(time.Minute, func(ctx context.Context, symbol string) (*strategy.Position, error) {
		if venuePos != nil && venuePos.Symbol == symbol {
			return venuePos, nil
		}
		return &strategy.Position{Symbol: symbol, Side: strategy.SideFlat}, nil
	}, nil)
	risk := NewRiskGuard(cfg, audit, nil)
	risk.SetStartingEquity(10_000)

	tc := NewTradeCoordinator(cfg, venue, risk, cache, audit, nil, nil)
	return &coordFixture{tc: tc, venue: venue, cache: cache, risk: risk}
}

func TestCoordinatorEntryAttachesProtection(t *testing.T) {
	fx := newCoordFixture(t, nil)
	sig := entrySignal("BTCUSDT")

	require.NoError(t, fx.tc.HandleSignal(context.Background(), Event{Tag: EventSignal, Payload: sig}))

	require.Len(t, fx.venue.entries, 1)
	require.Len(t, fx.venue.stops, 1)
	require.Len(t, fx.venue.takeProfits, 1)
	assert.Equal(t, OrderSideBuy, fx.venue.entries[0].Side)
	assert.Equal(t, OrderSideSell, fx.venue.stops[0].Side)
	assert.Equal(t, 99.0, fx.venue.stops[0].StopPrice)
	assert.Equal(t, 102.0, fx.venue.takeProfits[0].StopPrice)
	assert.Greater(t, sig.Quantity, 0.0, "coordinator sizes the signal")

	rec, ok := fx.tc.EntryRecord("BTCUSDT")
	require.True(t, ok)
	assert.NotZero(t, rec.SLOrderID)
	assert.NotZero(t, rec.TPOrderID)
}

func TestCoordinatorRejectsWithOpenPosition(t *testing.T) {
	open := &strategy.Position{Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 1, EntryPrice: 100}
	fx := newCoordFixture(t, open)

	require.NoError(t, fx.tc.HandleSignal(context.Background(), Event{Tag: EventSignal, Payload: entrySignal("BTCUSDT")}))
	assert.Empty(t, fx.venue.entries, "no order may be placed")
	assert.Empty(t, fx.venue.stops)
}

func TestCoordinatorProtectiveFailureCompensates(t *testing.T) {
	fx := newCoordFixture(t, nil)
	fx.venue.tpErr = errors.New("venue rejected take profit")

	require.NoError(t, fx.tc.HandleSignal(context.Background(), Event{Tag: EventSignal, Payload: entrySignal("BTCUSDT")}))

	require.Len(t, fx.venue.entries, 1)
	assert.Equal(t, []string{"BTCUSDT"}, fx.venue.closes, "naked position must be market-closed")
	assert.Contains(t, fx.venue.cancels, "BTCUSDT")

	_, ok := fx.tc.EntryRecord("BTCUSDT")
	assert.False(t, ok, "failed trade leaves no live record")
}

func TestCoordinatorExitSignalFlattens(t *testing.T) {
	open := &strategy.Position{Symbol: "BTCUSDT", Side: strategy.SideLong, Quantity: 2, EntryPrice: 100}
	fx := newCoordFixture(t, open)

	exit := &strategy.Signal{
		Kind: strategy.SignalExitLong, Symbol: "BTCUSDT",
		ExitReason: strategy.ExitReasonTrailingStop,
	}
	require.NoError(t, fx.tc.HandleSignal(context.Background(), Event{Tag: EventSignal, Payload: exit}))

	assert.Equal(t, []string{"BTCUSDT"}, fx.venue.closes)
	assert.Contains(t, fx.venue.cancels, "BTCUSDT")
	assert.Empty(t, fx.venue.entries)
}

func TestCoordinatorProtectiveFillCleansSibling(t *testing.T) {
	fx := newCoordFixture(t, nil)
	require.NoError(t, fx.tc.HandleSignal(context.Background(), Event{Tag: EventSignal, Payload: entrySignal("BTCUSDT")}))
	require.Len(t, fx.venue.stops, 1)

	update := OrderUpdate{
		Symbol:      "BTCUSDT",
		OrderID:     fx.venue.stops[0].ID,
		Type:        OrderTypeStopMarket,
		Status:      OrderStatusFilled,
		RealizedPnL: -55,
		Time:        time.Now().UnixMilli(),
	}
	require.NoError(t, fx.tc.HandleOrderEvent(context.Background(), Event{Tag: EventOrderFilled, Payload: update}))

	assert.Contains(t, fx.venue.cancels, "BTCUSDT", "sibling protective order must be cancelled")
	assert.InDelta(t, -55.0, fx.risk.RealizedToday(), 1e-9)
	_, ok := fx.tc.EntryRecord("BTCUSDT")
	assert.False(t, ok)
}

func TestCoordinatorEntryFillAudited(t *testing.T) {
	fx := newCoordFixture(t, nil)
	require.NoError(t, fx.tc.HandleSignal(context.Background(), Event{Tag: EventSignal, Payload: entrySignal("BTCUSDT")}))

	rec, ok := fx.tc.EntryRecord("BTCUSDT")
	require.True(t, ok)

	update := OrderUpdate{
		Symbol:       "BTCUSDT",
		OrderID:      rec.EntryOrder.ID,
		Type:         OrderTypeMarket,
		Status:       OrderStatusFilled,
		FilledQty:    rec.EntryOrder.Quantity,
		AvgFillPrice: 100.01,
	}
	require.NoError(t, fx.tc.HandleOrderEvent(context.Background(), Event{Tag: EventOrderFilled, Payload: update}))

	rec, ok = fx.tc.EntryRecord("BTCUSDT")
	require.True(t, ok, "entry fill keeps the record for exit reconciliation")
	assert.Equal(t, OrderStatusFilled, rec.EntryOrder.Status)
	assert.Equal(t, 100.01, rec.EntryOrder.AvgFillPrice)
}

func TestCoordinatorPositionUpdateMergesCache(t *testing.T) {
	fx := newCoordFixture(t, nil)
	require.NoError(t, fx.tc.HandlePositionUpdate(context.Background(), Event{
		Tag:     EventPositionUpdate,
		Payload: PositionUpdate{Symbol: "ETHUSDT", Amount: 5, EntryPrice: 2000},
	}))
	pos, err := fx.cache.Get(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, strategy.SideLong, pos.Side)
	assert.Equal(t, 5.0, pos.Quantity)
}
