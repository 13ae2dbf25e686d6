package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ict-engine/config"
	"ict-engine/strategy"
)

// ============================================================================
// TRADE COORDINATOR
// ============================================================================

// coordinatorGateway is the slice of the order gateway the coordinator
// drives. Narrow on purpose so tests can stub the venue.
type coordinatorGateway interface {
	AccountBalance(ctx context.Context) (float64, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
	PlaceMarketEntry(ctx context.Context, symbol string, side OrderSide, qty float64) (*Order, error)
	PlaceStopMarket(ctx context.Context, symbol string, side OrderSide, stopPrice float64) (*Order, error)
	PlaceTakeProfitMarket(ctx context.Context, symbol string, side OrderSide, stopPrice float64) (*Order, error)
	ClosePositionMarket(ctx context.Context, symbol string, side OrderSide, qty float64) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
}

// entryRecord is the in-memory trade record kept between entry placement
// and the closing fill.
type entryRecord struct {
	Signal     *strategy.Signal
	EntryOrder *Order
	SLOrderID  int64
	TPOrderID  int64
	OpenedAt   time.Time
}

// TradeCoordinator is the single subscriber of signal_generated: it
// validates, sizes, places the entry, and always attaches both protective
// orders inside one per-symbol critical section. Fill events reconcile the
// in-memory record and the position cache.
type TradeCoordinator struct {
	cfg      *config.Config
	gateway  coordinatorGateway
	risk     *RiskGuard
	cache    *PositionCache
	audit    *AuditLog
	notifier *NotificationService
	log      *zap.SugaredLogger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex // per-symbol critical section
	entries map[string]*entryRecord
}

// NewTradeCoordinator wires the coordinator.
func NewTradeCoordinator(cfg *config.Config, gateway coordinatorGateway, risk *RiskGuard, cache *PositionCache, audit *AuditLog, notifier *NotificationService, log *zap.SugaredLogger) *TradeCoordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TradeCoordinator{
		cfg:      cfg,
		gateway:  gateway,
		risk:     risk,
		cache:    cache,
		audit:    audit,
		notifier: notifier,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
		entries:  make(map[string]*entryRecord),
	}
}

func (tc *TradeCoordinator) symbolLock(symbol string) *sync.Mutex {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	l, ok := tc.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		tc.locks[symbol] = l
	}
	return l
}

// HandleSignal is the bus handler for signal_generated.
func (tc *TradeCoordinator) HandleSignal(ctx context.Context, ev Event) error {
	sig, ok := ev.Payload.(*strategy.Signal)
	if !ok {
		return nil
	}

	tc.audit.Event(AuditSignalProcessing, signalFields(sig))

	// One in-flight trade per symbol: nothing else for this symbol runs
	// until the entry and both protective orders are resolved.
	lock := tc.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	pos, err := tc.cache.Get(ctx, sig.Symbol)
	if err != nil {
		tc.log.Warnw("position lookup failed, dropping signal", "symbol", sig.Symbol, "err", err)
		return nil
	}

	lastMark, err := tc.gateway.LastPrice(ctx, sig.Symbol)
	if err != nil {
		tc.log.Debugw("mark price lookup failed, deviation rule skipped", "symbol", sig.Symbol, "err", err)
		lastMark = 0
	}

	if err := tc.risk.Validate(sig, pos, tc.cache.OpenCount(), lastMark); err != nil {
		return nil // audited inside the guard; signals are never retried
	}

	if sig.Kind.IsEntry() {
		return tc.executeEntry(ctx, sig)
	}
	return tc.executeExit(ctx, sig, pos)
}

// executeEntry sizes the signal and runs the entry + protective critical
// section. Any protective failure triggers a best-effort compensating
// close.
func (tc *TradeCoordinator) executeEntry(ctx context.Context, sig *strategy.Signal) error {
	balance, err := tc.gateway.AccountBalance(ctx)
	if err != nil {
		tc.log.Warnw("balance fetch failed, dropping entry", "symbol", sig.Symbol, "err", err)
		return nil
	}

	qty, err := tc.risk.Size(sig, balance, tc.cfg.LeverageFor(sig.Symbol))
	if err != nil {
		tc.log.Infow("sizing rejected entry", "symbol", sig.Symbol, "err", err)
		return nil
	}
	sig.Quantity = qty

	entrySide := OrderSideBuy
	closeSide := OrderSideSell
	if sig.Kind == strategy.SignalEntryShort {
		entrySide, closeSide = OrderSideSell, OrderSideBuy
	}

	entry, err := tc.gateway.PlaceMarketEntry(ctx, sig.Symbol, entrySide, qty)
	if err != nil {
		tc.log.Errorw("entry order rejected", "symbol", sig.Symbol, "err", err)
		tc.audit.Event(AuditTradeExecutionFailed, map[string]interface{}{
			"symbol": sig.Symbol,
			"stage":  "entry",
			"error":  err.Error(),
		})
		return nil
	}
	tc.cache.Invalidate(sig.Symbol)

	rec := &entryRecord{Signal: sig, EntryOrder: entry, OpenedAt: time.Now()}

	// Protective orders attach inside the same logical operation as the
	// entry; no code path leaves the position bare.
	slOrder, slErr := tc.gateway.PlaceStopMarket(ctx, sig.Symbol, closeSide, sig.StopLoss)
	if slErr == nil {
		rec.SLOrderID = slOrder.ID
	}
	tpOrder, tpErr := tc.gateway.PlaceTakeProfitMarket(ctx, sig.Symbol, closeSide, sig.TakeProfit)
	if tpErr == nil {
		rec.TPOrderID = tpOrder.ID
	}

	if slErr != nil || tpErr != nil {
		tc.recoverNakedPosition(ctx, sig, closeSide, qty, slErr, tpErr)
		return nil
	}

	tc.mu.Lock()
	tc.entries[sig.Symbol] = rec
	tc.mu.Unlock()

	tc.log.Infow("trade opened with protection",
		"symbol", sig.Symbol, "side", entrySide, "qty", qty,
		"entry", sig.EntryPrice, "sl", sig.StopLoss, "tp", sig.TakeProfit, "rr", sig.RiskReward)
	tc.notifier.Notify("Opened " + string(sig.Kind) + " " + sig.Symbol)
	return nil
}

// recoverNakedPosition market-closes a position whose protective orders
// could not be attached, and screams about it.
func (tc *TradeCoordinator) recoverNakedPosition(ctx context.Context, sig *strategy.Signal, closeSide OrderSide, qty float64, slErr, tpErr error) {
	fields := map[string]interface{}{
		"symbol": sig.Symbol,
		"stage":  "protective",
	}
	if slErr != nil {
		fields["stop_loss_error"] = slErr.Error()
	}
	if tpErr != nil {
		fields["take_profit_error"] = tpErr.Error()
	}

	tc.log.Errorw("protective order failed, closing naked position", "symbol", sig.Symbol, "sl_err", slErr, "tp_err", tpErr)

	if err := tc.gateway.CancelAllOpenOrders(ctx, sig.Symbol); err != nil {
		tc.log.Errorw("cancel during recovery failed", "symbol", sig.Symbol, "err", err)
	}
	if err := tc.gateway.ClosePositionMarket(ctx, sig.Symbol, closeSide, qty); err != nil {
		fields["close_error"] = err.Error()
		tc.log.Errorw("COMPENSATING CLOSE FAILED, POSITION MAY BE NAKED", "symbol", sig.Symbol, "err", err)
		tc.notifier.Notify("CRITICAL: naked position on " + sig.Symbol + ", manual intervention needed")
	} else {
		fields["compensated"] = true
		tc.notifier.Notify("Protective order failed on " + sig.Symbol + "; position was market-closed")
	}
	tc.audit.Event(AuditTradeExecutionFailed, fields)
	tc.cache.Invalidate(sig.Symbol)
}

// executeExit flattens a live position on an exit signal, then clears any
// leftover protective orders.
func (tc *TradeCoordinator) executeExit(ctx context.Context, sig *strategy.Signal, pos *strategy.Position) error {
	closeSide := OrderSideSell
	if pos.Side == strategy.SideShort {
		closeSide = OrderSideBuy
	}
	if err := tc.gateway.ClosePositionMarket(ctx, sig.Symbol, closeSide, pos.Quantity); err != nil {
		tc.log.Errorw("exit close failed", "symbol", sig.Symbol, "err", err)
		tc.audit.Event(AuditTradeExecutionFailed, map[string]interface{}{
			"symbol": sig.Symbol,
			"stage":  "exit",
			"reason": sig.ExitReason,
			"error":  err.Error(),
		})
		return nil
	}
	if err := tc.gateway.CancelAllOpenOrders(ctx, sig.Symbol); err != nil {
		tc.log.Warnw("protective cleanup after exit failed", "symbol", sig.Symbol, "err", err)
	}
	tc.cache.Invalidate(sig.Symbol)

	tc.mu.Lock()
	delete(tc.entries, sig.Symbol)
	tc.mu.Unlock()

	tc.audit.Event(AuditPositionClosed, map[string]interface{}{
		"symbol": sig.Symbol,
		"reason": sig.ExitReason,
		"qty":    pos.Quantity,
	})
	tc.notifier.Notify("Closed " + sig.Symbol + " (" + sig.ExitReason + ")")
	return nil
}

// HandleOrderEvent is the bus handler for order fill/cancel events from the
// user stream.
func (tc *TradeCoordinator) HandleOrderEvent(ctx context.Context, ev Event) error {
	update, ok := ev.Payload.(OrderUpdate)
	if !ok {
		return nil
	}

	tc.cache.Invalidate(update.Symbol)

	tc.mu.Lock()
	rec := tc.entries[update.Symbol]
	tc.mu.Unlock()

	switch ev.Tag {
	case EventOrderFilled:
		if rec != nil && rec.EntryOrder != nil && update.OrderID == rec.EntryOrder.ID {
			rec.EntryOrder.Status = OrderStatusFilled
			rec.EntryOrder.FilledQty = update.FilledQty
			rec.EntryOrder.AvgFillPrice = update.AvgFillPrice
			tc.audit.Event(AuditTradeExecuted, map[string]interface{}{
				"symbol":    update.Symbol,
				"order_id":  update.OrderID,
				"qty":       update.FilledQty,
				"avg_price": update.AvgFillPrice,
				"sl_order":  rec.SLOrderID,
				"tp_order":  rec.TPOrderID,
			})
			return nil
		}
		if update.Type == OrderTypeStopMarket || update.Type == OrderTypeTakeProfit {
			// A protective order fired: the position is closed. Fold the
			// realized PnL into the drawdown tally and clean the sibling.
			tc.risk.RecordRealized(update.RealizedPnL)
			if err := tc.gateway.CancelAllOpenOrders(ctx, update.Symbol); err != nil {
				tc.log.Warnw("sibling protective cleanup failed", "symbol", update.Symbol, "err", err)
			}
			tc.mu.Lock()
			delete(tc.entries, update.Symbol)
			tc.mu.Unlock()
			tc.audit.Event(AuditPositionClosed, map[string]interface{}{
				"symbol":       update.Symbol,
				"order_id":     update.OrderID,
				"order_type":   string(update.Type),
				"realized_pnl": update.RealizedPnL,
			})
			tc.notifier.Notify("Protective order closed " + update.Symbol)
		}

	case EventOrderPartial:
		if rec != nil && rec.EntryOrder != nil && update.OrderID == rec.EntryOrder.ID {
			rec.EntryOrder.Status = OrderStatusPartially
			rec.EntryOrder.FilledQty = update.FilledQty
			rec.EntryOrder.AvgFillPrice = update.AvgFillPrice
		}

	case EventOrderCancelled:
		if rec != nil {
			switch update.OrderID {
			case rec.SLOrderID:
				rec.SLOrderID = 0
			case rec.TPOrderID:
				rec.TPOrderID = 0
			}
		}
	}
	return nil
}

// HandlePositionUpdate merges user-stream position pushes into the cache.
func (tc *TradeCoordinator) HandlePositionUpdate(ctx context.Context, ev Event) error {
	update, ok := ev.Payload.(PositionUpdate)
	if !ok {
		return nil
	}
	tc.cache.ApplyUserStream(update)
	return nil
}

// EntryRecord exposes the live record for a symbol (status reporting).
func (tc *TradeCoordinator) EntryRecord(symbol string) (*entryRecord, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	rec, ok := tc.entries[symbol]
	return rec, ok
}
