package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ict-engine/strategy"
)

// ============================================================================
// ORDER GATEWAY
// ============================================================================

// Request-weight budget: the venue publishes 2400 weight/minute for USDT-M
// futures; the gateway delays once a request would project past 90% of it.
const (
	weightLimitPerMinute = 2400
	weightSafetyFraction = 0.90

	restTimeout   = 10 * time.Second
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
	retryMaxWait  = 4 * time.Second
)

// REST weights of the endpoints the gateway calls.
const (
	weightOrder        = 1
	weightCancelAll    = 1
	weightOpenOrders   = 1
	weightPositionRisk = 5
	weightAccount      = 5
	weightExchangeInfo = 1
	weightKlines       = 5
	weightPrice        = 2
)

type errClass int

const (
	errTransient errClass = iota
	errRateLimit
	errBusiness
	errFatal
)

// classifyVenueError sorts an error into the retry policy buckets using the
// venue error code when present.
func classifyVenueError(err error) errClass {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // rate limit / too many orders
			return errRateLimit
		case -1021, -2014, -2015: // clock skew / bad key: retrying is useless
			return errFatal
		}
		if apiErr.Code <= -4000 || apiErr.Code == -2010 || apiErr.Code == -2019 ||
			apiErr.Code == -2018 || apiErr.Code == -2020 || apiErr.Code == -2021 ||
			apiErr.Code == -2022 || apiErr.Code == -1111 || apiErr.Code == -1121 ||
			apiErr.Code == -1013 {
			return errBusiness // margin, filters, bad symbol: no retry
		}
		if strings.Contains(apiErr.Message, "Too many requests") {
			return errRateLimit
		}
		return errBusiness
	}
	return errTransient
}

// SymbolFilters carries the tick/step grids for one symbol, kept as strings
// so quantization stays exact.
type SymbolFilters struct {
	TickSize string
	StepSize string
}

// protectivePair tracks the live protective orders for one symbol so
// trailing replaces never orphan an order.
type protectivePair struct {
	SLOrderID int64
	TPOrderID int64
	StopPrice float64
}

// weightWindow is the rolling per-minute request-weight counter.
type weightWindow struct {
	mu          sync.Mutex
	windowStart time.Time
	used        int
	limit       int
	now         func() time.Time
}

// reserve books weight for a request, returning how long the caller must
// wait for the minute to roll over first (0 = go now). Requests are never
// dropped.
func (w *weightWindow) reserve(weight int) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if now.Sub(w.windowStart) >= time.Minute {
		w.windowStart = now.Truncate(time.Minute)
		w.used = 0
	}
	budget := int(float64(w.limit) * weightSafetyFraction)
	if w.used+weight > budget {
		wait := w.windowStart.Add(time.Minute).Sub(now)
		if wait < 0 {
			wait = 0
		}
		// Book into the next window.
		w.windowStart = w.windowStart.Add(time.Minute)
		w.used = weight
		metricRequestWeight.Set(float64(w.used))
		return wait
	}
	w.used += weight
	metricRequestWeight.Set(float64(w.used))
	return 0
}

func (w *weightWindow) windowEnd() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.windowStart.Add(time.Minute)
}

// OrderGateway wraps the venue REST API: symbol-scoped price/quantity
// quantization, request-weight pacing, the retry policy, and the live
// protective-order map.
type OrderGateway struct {
	client *futures.Client
	log    *zap.SugaredLogger
	audit  *AuditLog

	weights *weightWindow
	pacer   *rate.Limiter

	mu         sync.Mutex
	filters    map[string]SymbolFilters
	protective map[string]*protectivePair
}

// NewOrderGateway builds the gateway over a futures REST client.
func NewOrderGateway(client *futures.Client, audit *AuditLog, log *zap.SugaredLogger) *OrderGateway {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &OrderGateway{
		client: client,
		log:    log,
		audit:  audit,
		weights: &weightWindow{
			limit: weightLimitPerMinute,
			now:   time.Now,
		},
		pacer:      rate.NewLimiter(rate.Limit(20), 40), // smooth burst guard in front of the weight window
		filters:    make(map[string]SymbolFilters),
		protective: make(map[string]*protectivePair),
	}
}

// call runs one REST operation under the pacing + retry policy. Transient
// errors retry up to 3 times with exponential backoff; rate limits wait out
// the window without consuming a retry; business and fatal errors surface
// immediately.
func (gw *OrderGateway) call(ctx context.Context, weight int, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseWait
	bo.MaxInterval = retryMaxWait
	bo.MaxElapsedTime = 0

	retries := 0
	for {
		if err := gw.pacer.Wait(ctx); err != nil {
			return err
		}
		if wait := gw.weights.reserve(weight); wait > 0 {
			gw.log.Infow("request weight budget exhausted, delaying", "op", op, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, restTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}

		switch classifyVenueError(err) {
		case errRateLimit:
			// Honor the venue: wait out the remainder of the minute. Not
			// counted as a retry.
			wait := time.Until(gw.weights.windowEnd())
			if wait <= 0 {
				wait = 5 * time.Second
			}
			gw.log.Warnw("venue rate limit, honoring wait", "op", op, "wait", wait, "err", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		case errBusiness, errFatal:
			return err
		default: // transient
			retries++
			if retries > maxRetries {
				return fmt.Errorf("%s: %w (after %d retries)", op, err, maxRetries)
			}
			wait := bo.NextBackOff()
			gw.log.Warnw("transient venue error, retrying", "op", op, "attempt", retries, "wait", wait, "err", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// FetchExchangeInfo loads tick/step grids for every symbol; must run before
// any order placement or the venue answers with precision errors (-1111).
func (gw *OrderGateway) FetchExchangeInfo(ctx context.Context) error {
	var info *futures.ExchangeInfo
	err := gw.call(ctx, weightExchangeInfo, "exchange_info", func(ctx context.Context) error {
		res, err := gw.client.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return err
		}
		info = res
		return nil
	})
	if err != nil {
		return err
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	for _, s := range info.Symbols {
		f := SymbolFilters{TickSize: "0.01", StepSize: "0.001"}
		for _, raw := range s.Filters {
			switch raw["filterType"] {
			case "PRICE_FILTER":
				if ts, ok := raw["tickSize"].(string); ok && ParseGrid(ts) == nil {
					f.TickSize = ts
				}
			case "LOT_SIZE":
				if ss, ok := raw["stepSize"].(string); ok && ParseGrid(ss) == nil {
					f.StepSize = ss
				}
			}
		}
		gw.filters[s.Symbol] = f
	}
	gw.log.Infow("exchange info loaded", "symbols", len(gw.filters))
	return nil
}

// Filters returns the grids for a symbol, with safe defaults for unknown
// symbols.
func (gw *OrderGateway) Filters(symbol string) SymbolFilters {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if f, ok := gw.filters[symbol]; ok {
		return f
	}
	return SymbolFilters{TickSize: "0.01", StepSize: "0.001"}
}

// SetLeverage applies the configured leverage for a symbol.
func (gw *OrderGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	err := gw.call(ctx, weightOrder, "set_leverage", func(ctx context.Context) error {
		_, err := gw.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
		return err
	})
	if err == nil && gw.audit != nil {
		gw.audit.Event(AuditLeverageSet, map[string]interface{}{"symbol": symbol, "leverage": leverage})
	}
	return err
}

// SetMarginType forces the margin mode; "No need to change" answers are
// success.
func (gw *OrderGateway) SetMarginType(ctx context.Context, symbol, marginType string) error {
	mt := futures.MarginTypeIsolated
	if marginType == "CROSS" || marginType == "CROSSED" {
		mt = futures.MarginTypeCrossed
	}
	return gw.call(ctx, weightOrder, "set_margin_type", func(ctx context.Context) error {
		err := gw.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(mt).Do(ctx)
		if err != nil && strings.Contains(err.Error(), "No need to change margin type") {
			return nil
		}
		return err
	})
}

// SetOneWayMode disables hedge mode; "No need to change" answers are
// success.
func (gw *OrderGateway) SetOneWayMode(ctx context.Context) error {
	return gw.call(ctx, weightOrder, "position_mode", func(ctx context.Context) error {
		err := gw.client.NewChangePositionModeService().DualSide(false).Do(ctx)
		if err != nil && strings.Contains(err.Error(), "No need to change") {
			return nil
		}
		return err
	})
}

// AccountBalance returns the available USDT balance.
func (gw *OrderGateway) AccountBalance(ctx context.Context) (float64, error) {
	var balance float64
	err := gw.call(ctx, weightAccount, "account", func(ctx context.Context) error {
		res, err := gw.client.NewGetAccountService().Do(ctx)
		if err != nil {
			return err
		}
		for _, a := range res.Assets {
			if a.Asset == "USDT" {
				balance, _ = strconv.ParseFloat(a.AvailableBalance, 64)
				return nil
			}
		}
		return nil
	})
	return balance, err
}

// LastPrice returns the latest traded price for a symbol.
func (gw *OrderGateway) LastPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := gw.call(ctx, weightPrice, "list_prices", func(ctx context.Context) error {
		res, err := gw.client.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		if len(res) > 0 {
			price, _ = strconv.ParseFloat(res[0].Price, 64)
		}
		return nil
	})
	return price, err
}

// GetPosition queries the venue position for a symbol. Idempotent.
func (gw *OrderGateway) GetPosition(ctx context.Context, symbol string) (*strategy.Position, error) {
	var pos *strategy.Position
	err := gw.call(ctx, weightPositionRisk, "position_risk", func(ctx context.Context) error {
		res, err := gw.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		pos = flatPosition(symbol)
		for _, p := range res {
			amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
			if amt == 0 {
				continue
			}
			entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
			mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
			upnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
			lev, _ := strconv.Atoi(p.Leverage)
			qty := amt
			if qty < 0 {
				qty = -qty
			}
			pos = &strategy.Position{
				Symbol:        symbol,
				Side:          strategy.SideFromQuantity(amt),
				Quantity:      qty,
				EntryPrice:    entry,
				MarkPrice:     mark,
				UnrealizedPnL: upnl,
				Leverage:      lev,
				MarginType:    p.MarginType,
				LastUpdated:   time.Now().UnixMilli(),
			}
			return nil
		}
		return nil
	})
	return pos, err
}

// OpenPositions returns every non-flat position on the account.
func (gw *OrderGateway) OpenPositions(ctx context.Context) ([]*strategy.Position, error) {
	var out []*strategy.Position
	err := gw.call(ctx, weightPositionRisk, "position_risk_all", func(ctx context.Context) error {
		res, err := gw.client.NewGetPositionRiskService().Do(ctx)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, p := range res {
			amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
			if amt == 0 {
				continue
			}
			entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
			qty := amt
			if qty < 0 {
				qty = -qty
			}
			out = append(out, &strategy.Position{
				Symbol:      p.Symbol,
				Side:        strategy.SideFromQuantity(amt),
				Quantity:    qty,
				EntryPrice:  entry,
				LastUpdated: time.Now().UnixMilli(),
			})
		}
		return nil
	})
	return out, err
}

// PlaceMarketEntry submits the entry MARKET order and waits for the REST
// acknowledgment.
func (gw *OrderGateway) PlaceMarketEntry(ctx context.Context, symbol string, side OrderSide, qty float64) (*Order, error) {
	f := gw.Filters(symbol)
	qtyStr, err := QuantizeQty(qty, f.StepSize)
	if err != nil {
		return nil, err
	}

	clientID := "ict-entry-" + uuid.NewString()[:18]
	var res *futures.CreateOrderResponse
	err = gw.call(ctx, weightOrder, "market_entry", func(ctx context.Context) error {
		r, err := gw.client.NewCreateOrderService().
			Symbol(symbol).
			Side(binanceSide(side)).
			Type(futures.OrderTypeMarket).
			Quantity(qtyStr).
			NewClientOrderID(clientID).
			Do(ctx)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		metricOrdersRejected.WithLabelValues(symbol).Inc()
		gw.auditOrder(AuditOrderRejected, symbol, string(OrderTypeMarket), qtyStr, "", err)
		return nil, err
	}

	metricOrdersPlaced.WithLabelValues(symbol, string(OrderTypeMarket)).Inc()
	gw.auditOrder(AuditOrderPlaced, symbol, string(OrderTypeMarket), qtyStr, "", nil)

	avg, _ := strconv.ParseFloat(res.AvgPrice, 64)
	filled, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)
	q, _ := strconv.ParseFloat(qtyStr, 64)
	return &Order{
		ID:           res.OrderID,
		ClientID:     clientID,
		Symbol:       symbol,
		Side:         side,
		Type:         OrderTypeMarket,
		Quantity:     q,
		FilledQty:    filled,
		AvgFillPrice: avg,
		Status:       OrderStatus(res.Status),
		CreatedAt:    time.Now().UnixMilli(),
		UpdatedAt:    time.Now().UnixMilli(),
	}, nil
}

// placeClosePositionOrder shares the STOP_MARKET / TAKE_PROFIT_MARKET
// plumbing: close-position conditional orders triggered on mark price.
func (gw *OrderGateway) placeClosePositionOrder(ctx context.Context, symbol string, side OrderSide, orderType OrderType, stopPrice float64) (*Order, error) {
	f := gw.Filters(symbol)
	priceStr, err := QuantizePrice(stopPrice, f.TickSize)
	if err != nil {
		return nil, err
	}

	clientID := "ict-prot-" + uuid.NewString()[:18]
	var res *futures.CreateOrderResponse
	err = gw.call(ctx, weightOrder, strings.ToLower(string(orderType)), func(ctx context.Context) error {
		r, err := gw.client.NewCreateOrderService().
			Symbol(symbol).
			Side(binanceSide(side)).
			Type(futures.OrderType(orderType)).
			StopPrice(priceStr).
			ClosePosition(true).
			WorkingType(futures.WorkingTypeMarkPrice).
			PriceProtect(true).
			NewClientOrderID(clientID).
			Do(ctx)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		metricOrdersRejected.WithLabelValues(symbol).Inc()
		gw.auditOrder(AuditOrderRejected, symbol, string(orderType), "", priceStr, err)
		return nil, err
	}
	metricOrdersPlaced.WithLabelValues(symbol, string(orderType)).Inc()
	gw.auditOrder(AuditOrderPlaced, symbol, string(orderType), "", priceStr, nil)

	sp, _ := strconv.ParseFloat(priceStr, 64)
	return &Order{
		ID:            res.OrderID,
		ClientID:      clientID,
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		StopPrice:     sp,
		Status:        OrderStatus(res.Status),
		ReduceOnly:    true,
		ClosePosition: true,
		CreatedAt:     time.Now().UnixMilli(),
		UpdatedAt:     time.Now().UnixMilli(),
	}, nil
}

// PlaceStopMarket attaches the protective stop and records it in the
// per-symbol protective map.
func (gw *OrderGateway) PlaceStopMarket(ctx context.Context, symbol string, side OrderSide, stopPrice float64) (*Order, error) {
	o, err := gw.placeClosePositionOrder(ctx, symbol, side, OrderTypeStopMarket, stopPrice)
	if err != nil {
		return nil, err
	}
	gw.mu.Lock()
	pair := gw.protective[symbol]
	if pair == nil {
		pair = &protectivePair{}
		gw.protective[symbol] = pair
	}
	pair.SLOrderID = o.ID
	pair.StopPrice = o.StopPrice
	gw.mu.Unlock()
	return o, nil
}

// PlaceTakeProfitMarket attaches the profit target and records it.
func (gw *OrderGateway) PlaceTakeProfitMarket(ctx context.Context, symbol string, side OrderSide, stopPrice float64) (*Order, error) {
	o, err := gw.placeClosePositionOrder(ctx, symbol, side, OrderTypeTakeProfit, stopPrice)
	if err != nil {
		return nil, err
	}
	gw.mu.Lock()
	pair := gw.protective[symbol]
	if pair == nil {
		pair = &protectivePair{}
		gw.protective[symbol] = pair
	}
	pair.TPOrderID = o.ID
	gw.mu.Unlock()
	return o, nil
}

// ProtectiveStop returns the currently tracked stop price for a symbol.
func (gw *OrderGateway) ProtectiveStop(symbol string) (float64, bool) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	pair, ok := gw.protective[symbol]
	if !ok || pair.SLOrderID == 0 {
		return 0, false
	}
	return pair.StopPrice, true
}

// ReplaceProtectiveStop moves the stop: cancel the tracked order, place a
// fresh STOP_MARKET at the new level (the venue has no in-place modify).
func (gw *OrderGateway) ReplaceProtectiveStop(ctx context.Context, symbol string, side OrderSide, newStop float64) error {
	gw.mu.Lock()
	pair := gw.protective[symbol]
	var oldID int64
	if pair != nil {
		oldID = pair.SLOrderID
	}
	gw.mu.Unlock()

	if oldID != 0 {
		err := gw.call(ctx, weightOrder, "cancel_stop", func(ctx context.Context) error {
			_, err := gw.client.NewCancelOrderService().Symbol(symbol).OrderID(oldID).Do(ctx)
			if err != nil && strings.Contains(err.Error(), "Unknown order") {
				return nil // already gone, e.g. just triggered
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("cancel old stop %d: %w", oldID, err)
		}
	}

	_, err := gw.PlaceStopMarket(ctx, symbol, side, newStop)
	return err
}

// CancelAllOpenOrders flattens the order book side of a symbol. Idempotent:
// succeeding with nothing to cancel is success.
func (gw *OrderGateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	err := gw.call(ctx, weightCancelAll, "cancel_all", func(ctx context.Context) error {
		return gw.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	})
	if err == nil {
		gw.mu.Lock()
		delete(gw.protective, symbol)
		gw.mu.Unlock()
	}
	return err
}

// GetOpenOrders lists live orders for a symbol.
func (gw *OrderGateway) GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	var out []*Order
	err := gw.call(ctx, weightOpenOrders, "open_orders", func(ctx context.Context) error {
		res, err := gw.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, o := range res {
			price, _ := strconv.ParseFloat(o.Price, 64)
			stop, _ := strconv.ParseFloat(o.StopPrice, 64)
			qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
			out = append(out, &Order{
				ID:        o.OrderID,
				ClientID:  o.ClientOrderID,
				Symbol:    o.Symbol,
				Side:      OrderSide(o.Side),
				Type:      OrderType(o.Type),
				Price:     price,
				StopPrice: stop,
				Quantity:  qty,
				Status:    OrderStatus(o.Status),
				UpdatedAt: o.UpdateTime,
			})
		}
		return nil
	})
	return out, err
}

// ClosePositionMarket flattens a position with a reduce-only MARKET order.
func (gw *OrderGateway) ClosePositionMarket(ctx context.Context, symbol string, side OrderSide, qty float64) error {
	f := gw.Filters(symbol)
	qtyStr, err := QuantizeQty(qty, f.StepSize)
	if err != nil {
		return err
	}
	return gw.call(ctx, weightOrder, "market_close", func(ctx context.Context) error {
		_, err := gw.client.NewCreateOrderService().
			Symbol(symbol).
			Side(binanceSide(side)).
			Type(futures.OrderTypeMarket).
			Quantity(qtyStr).
			ReduceOnly(true).
			Do(ctx)
		return err
	})
}

// GetHistoricalCandles backfills closed klines over REST. Limit defaults to
// 200 and caps at 1000.
func (gw *OrderGateway) GetHistoricalCandles(ctx context.Context, symbol, interval string, limit int) ([]strategy.Candle, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	var out []strategy.Candle
	err := gw.call(ctx, weightKlines, "klines", func(ctx context.Context) error {
		res, err := gw.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, k := range res {
			o, _ := strconv.ParseFloat(k.Open, 64)
			h, _ := strconv.ParseFloat(k.High, 64)
			l, _ := strconv.ParseFloat(k.Low, 64)
			c, _ := strconv.ParseFloat(k.Close, 64)
			v, _ := strconv.ParseFloat(k.Volume, 64)
			out = append(out, strategy.Candle{
				Symbol:    symbol,
				Interval:  interval,
				Open:      o,
				High:      h,
				Low:       l,
				Close:     c,
				Volume:    v,
				OpenTime:  k.OpenTime,
				CloseTime: k.CloseTime,
				IsClosed:  true,
			})
		}
		return nil
	})
	return out, err
}

func (gw *OrderGateway) auditOrder(kind, symbol, orderType, qty, stopPrice string, err error) {
	if gw.audit == nil {
		return
	}
	fields := map[string]interface{}{
		"symbol": symbol,
		"type":   orderType,
	}
	if qty != "" {
		fields["quantity"] = qty
	}
	if stopPrice != "" {
		fields["stop_price"] = stopPrice
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	gw.audit.Event(kind, fields)
}

func binanceSide(side OrderSide) futures.SideType {
	if side == OrderSideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func flatPosition(symbol string) *strategy.Position {
	return &strategy.Position{
		Symbol:      symbol,
		Side:        strategy.SideFlat,
		LastUpdated: time.Now().UnixMilli(),
	}
}
