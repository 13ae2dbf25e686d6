package main

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ============================================================================
// USER-DATA STREAM
// ============================================================================

const (
	mainnetUserBase = "wss://fstream.binance.com/ws/"
	testnetUserBase = "wss://stream.binancefuture.com/ws/"

	// The venue expires idle listen keys after 60 minutes; refresh well
	// inside the 30-minute requirement.
	listenKeyKeepalive = 25 * time.Minute
)

type userStreamEvent struct {
	Event string `json:"e"`
	Time  int64  `json:"T"`
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrigType      string `json:"ot"`
		Type          string `json:"o"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		Price         string `json:"p"`
		StopPrice     string `json:"sp"`
		Quantity      string `json:"q"`
		CumFilledQty  string `json:"z"`
		AvgPrice      string `json:"ap"`
		RealizedPnL   string `json:"rp"`
	} `json:"o"`
	Account struct {
		Positions []struct {
			Symbol        string `json:"s"`
			Amount        string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPnL string `json:"up"`
			MarginType    string `json:"mt"`
		} `json:"P"`
	} `json:"a"`
}

// UserStream maintains the venue user-data WebSocket: listen-key
// acquisition, periodic keepalive, reconnect with re-keying, and
// normalization of order/position pushes onto the bus's order queue.
type UserStream struct {
	client  *futures.Client
	base    string
	publish func(ev Event) bool
	log     *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewUserStream builds the stream; publish is the bus-facing sink.
func NewUserStream(client *futures.Client, useTestnet bool, publish func(ev Event) bool, log *zap.SugaredLogger) *UserStream {
	base := mainnetUserBase
	if useTestnet {
		base = testnetUserBase
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &UserStream{
		client:  client,
		base:    base,
		publish: publish,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Start launches the stream goroutine.
func (us *UserStream) Start(ctx context.Context) {
	ctx, us.cancel = context.WithCancel(ctx)
	go us.run(ctx)
}

// Stop tears the stream down and waits for the loop to exit.
func (us *UserStream) Stop() {
	if us.cancel != nil {
		us.cancel()
	}
	select {
	case <-us.done:
	case <-time.After(5 * time.Second):
	}
}

func (us *UserStream) run(ctx context.Context) {
	defer close(us.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = wsReconnectBase
	bo.MaxInterval = wsReconnectCap
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		listenKey, err := us.client.NewStartUserStreamService().Do(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			us.log.Warnw("listen key acquisition failed", "wait", wait, "err", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, us.base+listenKey, nil)
		if err != nil {
			wait := bo.NextBackOff()
			us.log.Warnw("user stream dial failed", "wait", wait, "err", err)
			metricReconnects.WithLabelValues("user").Inc()
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		us.log.Infow("user stream connected")
		start := time.Now()
		us.session(ctx, conn, listenKey)
		conn.Close()
		us.client.NewCloseUserStreamService().ListenKey(listenKey).Do(context.Background())
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > time.Minute {
			bo.Reset()
		}
		metricReconnects.WithLabelValues("user").Inc()
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// session reads the socket until error, refreshing the listen key on a
// ticker.
func (us *UserStream) session(ctx context.Context, conn *websocket.Conn, listenKey string) {
	keepalive := time.NewTicker(listenKeyKeepalive)
	defer keepalive.Stop()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
			_, message, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					us.log.Warnw("user stream read error", "err", err)
				}
				return
			}
			us.handleMessage(message)
		}
	}()

	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			conn.Close()
			<-readDone
			return
		case <-keepalive.C:
			if err := us.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				us.log.Warnw("listen key keepalive failed, recycling stream", "err", err)
				conn.Close()
				<-readDone
				return
			}
		}
	}
}

func (us *UserStream) handleMessage(message []byte) {
	var ev userStreamEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return
	}

	switch ev.Event {
	case "ORDER_TRADE_UPDATE":
		o := ev.Order
		price, _ := strconv.ParseFloat(o.Price, 64)
		stop, _ := strconv.ParseFloat(o.StopPrice, 64)
		qty, _ := strconv.ParseFloat(o.Quantity, 64)
		filled, _ := strconv.ParseFloat(o.CumFilledQty, 64)
		avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
		rpnl, _ := strconv.ParseFloat(o.RealizedPnL, 64)

		typ := o.OrigType
		if typ == "" {
			typ = o.Type
		}
		update := OrderUpdate{
			Symbol:       o.Symbol,
			OrderID:      o.OrderID,
			ClientID:     o.ClientOrderID,
			Side:         OrderSide(o.Side),
			Type:         OrderType(typ),
			Status:       OrderStatus(o.Status),
			Price:        price,
			StopPrice:    stop,
			Quantity:     qty,
			FilledQty:    filled,
			AvgFillPrice: avg,
			RealizedPnL:  rpnl,
			Time:         ev.Time,
		}

		var tag EventTag
		switch update.Status {
		case OrderStatusFilled:
			tag = EventOrderFilled
		case OrderStatusPartially:
			tag = EventOrderPartial
		case OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
			tag = EventOrderCancelled
		default:
			return // NEW acks carry nothing the engine acts on
		}
		us.publish(Event{Tag: tag, Payload: update})

	case "ACCOUNT_UPDATE":
		for _, p := range ev.Account.Positions {
			amt, _ := strconv.ParseFloat(p.Amount, 64)
			entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
			upnl, _ := strconv.ParseFloat(p.UnrealizedPnL, 64)
			us.publish(Event{
				Tag: EventPositionUpdate,
				Payload: PositionUpdate{
					Symbol:        p.Symbol,
					Amount:        amt,
					EntryPrice:    entry,
					UnrealizedPnL: upnl,
					MarginType:    strings.ToUpper(p.MarginType),
					Time:          ev.Time,
				},
			})
		}

	case "listenKeyExpired":
		us.log.Warnw("listen key expired push received")
	}
}
