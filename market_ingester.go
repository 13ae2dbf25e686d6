package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ict-engine/strategy"
)

// ============================================================================
// MARKET-DATA INGESTER
// ============================================================================

// Stream endpoints. One connection per symbol: a single connection carrying
// four or more streams was observed to deliver no data on the venue's
// testnet, and per-symbol isolation keeps one symbol's disconnect from
// starving the rest.
const (
	mainnetStreamBase = "wss://fstream.binance.com/stream?streams="
	testnetStreamBase = "wss://stream.binancefuture.com/stream?streams="

	wsReconnectBase = 1 * time.Second
	wsReconnectCap  = 60 * time.Second
	wsReadDeadline  = 3 * time.Minute
)

// CandleCallback receives every parsed candle. It is invoked from the
// connection's reader goroutine and must return in microseconds — it only
// hands off to the event bus, never touches I/O.
type CandleCallback func(c strategy.Candle)

type combinedStreamMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineStreamMsg struct {
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// MarketIngester owns one WebSocket per symbol, carrying that symbol's
// required interval streams, plus the REST backfill used during warm-up.
type MarketIngester struct {
	streamBase string
	intervals  map[string][]string // symbol -> interval tags
	callback   CandleCallback
	backfiller HistoricalSource

	log *zap.SugaredLogger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// HistoricalSource is the REST kline surface the ingester backfills from.
type HistoricalSource interface {
	GetHistoricalCandles(ctx context.Context, symbol, interval string, limit int) ([]strategy.Candle, error)
}

// NewMarketIngester builds the ingester for the given per-symbol interval
// sets.
func NewMarketIngester(intervals map[string][]string, backfiller HistoricalSource, callback CandleCallback, useTestnet bool, log *zap.SugaredLogger) *MarketIngester {
	base := mainnetStreamBase
	if useTestnet {
		base = testnetStreamBase
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MarketIngester{
		streamBase: base,
		intervals:  intervals,
		callback:   callback,
		backfiller: backfiller,
		log:        log,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Backfill warms up each strategy with historical candles — iterating only
// the intervals that strategy declared, never the full set the ingester
// happens to stream.
func (mi *MarketIngester) Backfill(ctx context.Context, strategies map[string]strategy.Strategy, limit int) error {
	for symbol, st := range strategies {
		for _, interval := range st.Requirements() {
			candles, err := mi.backfiller.GetHistoricalCandles(ctx, symbol, interval, limit)
			if err != nil {
				return fmt.Errorf("backfill %s %s: %w", symbol, interval, err)
			}
			for _, c := range candles {
				st.UpdateBuffer(c)
			}
			mi.log.Infow("backfilled", "symbol", symbol, "interval", interval, "candles", len(candles))
		}
	}
	return nil
}

// Start launches one connection goroutine per symbol.
func (mi *MarketIngester) Start(ctx context.Context) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if mi.started {
		return
	}
	mi.started = true
	for symbol, intervals := range mi.intervals {
		symCtx, cancel := context.WithCancel(ctx)
		mi.cancels[symbol] = cancel
		mi.wg.Add(1)
		go mi.runSymbol(symCtx, symbol, intervals)
	}
}

// Stop cancels every connection and waits for the reader loops to exit, up
// to the given grace period.
func (mi *MarketIngester) Stop(grace time.Duration) {
	mi.mu.Lock()
	for _, cancel := range mi.cancels {
		cancel()
	}
	mi.mu.Unlock()

	done := make(chan struct{})
	go func() {
		mi.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		mi.log.Warnw("market ingester stop timed out", "grace", grace)
	}
}

// runSymbol is the per-symbol connect/read/reconnect loop. Reconnects use
// exponential backoff, base 1s, cap 60s, reset after a healthy session.
func (mi *MarketIngester) runSymbol(ctx context.Context, symbol string, intervals []string) {
	defer mi.wg.Done()

	streams := make([]string, 0, len(intervals))
	lower := strings.ToLower(symbol)
	for _, iv := range intervals {
		streams = append(streams, fmt.Sprintf("%s@kline_%s", lower, iv))
	}
	url := mi.streamBase + strings.Join(streams, "/")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = wsReconnectBase
	bo.MaxInterval = wsReconnectCap
	bo.MaxElapsedTime = 0 // reconnect forever

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			wait := bo.NextBackOff()
			mi.log.Warnw("market stream dial failed", "symbol", symbol, "wait", wait, "err", err)
			metricReconnects.WithLabelValues("market").Inc()
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		mi.log.Infow("market stream connected", "symbol", symbol, "streams", streams)
		start := time.Now()
		mi.readLoop(ctx, conn, symbol)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > time.Minute {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		mi.log.Warnw("market stream disconnected, reconnecting", "symbol", symbol, "wait", wait)
		metricReconnects.WithLabelValues("market").Inc()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (mi *MarketIngester) readLoop(ctx context.Context, conn *websocket.Conn, symbol string) {
	// Unblock the reader when the context dies.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				mi.log.Warnw("market stream read error", "symbol", symbol, "err", err)
			}
			return
		}

		var msg combinedStreamMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if !strings.Contains(msg.Stream, "@kline_") {
			continue
		}
		var km klineStreamMsg
		if err := json.Unmarshal(msg.Data, &km); err != nil {
			continue
		}
		candle, ok := parseKline(km)
		if !ok {
			continue
		}
		metricCandlesIngested.WithLabelValues(candle.Symbol, candle.Interval).Inc()
		mi.callback(candle)
	}
}

func parseKline(km klineStreamMsg) (strategy.Candle, bool) {
	k := km.Kline
	if k.Symbol == "" || k.Interval == "" {
		return strategy.Candle{}, false
	}
	o, err1 := strconv.ParseFloat(k.Open, 64)
	h, err2 := strconv.ParseFloat(k.High, 64)
	l, err3 := strconv.ParseFloat(k.Low, 64)
	c, err4 := strconv.ParseFloat(k.Close, 64)
	v, _ := strconv.ParseFloat(k.Volume, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return strategy.Candle{}, false
	}
	return strategy.Candle{
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    v,
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		IsClosed:  k.IsClosed,
	}, true
}
