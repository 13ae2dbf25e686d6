package main

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Queue names.
const (
	QueueData   = "data"
	QueueSignal = "signal"
	QueueOrder  = "order"
)

// Queue capacities and the signal-queue block budget.
const (
	dataQueueCap       = 1000
	signalQueueCap     = 100
	orderQueueCap      = 50
	signalEnqueueBlock = 5 * time.Second
)

// Handler processes one bus event. Errors are logged and audited; they
// never stop the drain loop.
type Handler func(ctx context.Context, ev Event) error

// EventBus bridges producers (WebSocket reader goroutines, the engine) to
// handlers through three bounded queues with distinct overflow policies:
//
//	data   cap 1000  drop newest on overflow, count + warn
//	signal cap 100   block up to 5s, then drop
//	order  cap 50    block indefinitely, never drop
//
// Each queue is drained by exactly one goroutine, so handlers observe
// publish order within a queue. Handlers from different queues run
// concurrently.
type EventBus struct {
	data   chan Event
	signal chan Event
	order  chan Event

	handlersMu sync.RWMutex
	handlers   map[EventTag][]Handler

	accepting atomic.Bool
	dropped   atomic.Int64

	quit    chan struct{}
	started atomic.Bool
	wg      sync.WaitGroup

	log   *zap.SugaredLogger
	audit *AuditLog
}

// NewEventBus builds the bus; call Start before publishing.
func NewEventBus(log *zap.SugaredLogger, audit *AuditLog) *EventBus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &EventBus{
		data:     make(chan Event, dataQueueCap),
		signal:   make(chan Event, signalQueueCap),
		order:    make(chan Event, orderQueueCap),
		handlers: make(map[EventTag][]Handler),
		quit:     make(chan struct{}),
		log:      log,
		audit:    audit,
	}
}

// Subscribe registers a handler for an event tag. Registration happens
// during wiring, before Start.
func (b *EventBus) Subscribe(tag EventTag, h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[tag] = append(b.handlers[tag], h)
}

// Start launches one drain goroutine per queue.
func (b *EventBus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.accepting.Store(true)
	for _, q := range []struct {
		name string
		ch   chan Event
	}{
		{QueueOrder, b.order},
		{QueueSignal, b.signal},
		{QueueData, b.data},
	} {
		b.wg.Add(1)
		go b.drain(ctx, q.name, q.ch)
	}
}

// Publish enqueues an event with the queue's overflow semantics. Returns
// false when the event was dropped (overflow or bus shut down). Safe to
// call from any goroutine.
func (b *EventBus) Publish(ev Event, queueName string) bool {
	if !b.accepting.Load() {
		return false
	}
	ev.EnqueuedAt = time.Now()

	switch queueName {
	case QueueData:
		select {
		case b.data <- ev:
			metricQueueDepth.WithLabelValues(QueueData).Set(float64(len(b.data)))
			return true
		default:
			n := b.dropped.Add(1)
			metricQueueDropped.WithLabelValues(QueueData).Inc()
			b.log.Warnw("data queue full, dropping event", "tag", ev.Tag, "dropped_total", n)
			return false
		}
	case QueueSignal:
		select {
		case b.signal <- ev:
			metricQueueDepth.WithLabelValues(QueueSignal).Set(float64(len(b.signal)))
			return true
		case <-time.After(signalEnqueueBlock):
			metricQueueDropped.WithLabelValues(QueueSignal).Inc()
			b.log.Warnw("signal queue blocked past deadline, dropping", "tag", ev.Tag)
			return false
		}
	case QueueOrder:
		// Order events are never dropped.
		b.order <- ev
		metricQueueDepth.WithLabelValues(QueueOrder).Set(float64(len(b.order)))
		return true
	}
	b.log.Warnw("publish to unknown queue", "queue", queueName, "tag", ev.Tag)
	return false
}

// DroppedCount returns how many data events overflow has discarded.
func (b *EventBus) DroppedCount() int64 { return b.dropped.Load() }

// Shutdown stops accepting publishes, waits for the queues to empty within
// the grace period (order first, then signal, then data), and cancels the
// drain goroutines.
func (b *EventBus) Shutdown(grace time.Duration) {
	b.accepting.Store(false)
	deadline := time.Now().Add(grace)

	for _, ch := range []chan Event{b.order, b.signal, b.data} {
		for len(ch) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	close(b.quit)
	b.wg.Wait()
}

func (b *EventBus) drain(ctx context.Context, name string, ch chan Event) {
	defer b.wg.Done()
	for {
		select {
		case <-b.quit:
			return
		case ev := <-ch:
			metricQueueDepth.WithLabelValues(name).Set(float64(len(ch)))
			b.dispatch(ctx, name, ev)
		}
	}
}

// dispatch runs every handler for the event, one at a time, isolating
// panics and errors so the drain loop survives buggy handlers.
func (b *EventBus) dispatch(ctx context.Context, queueName string, ev Event) {
	b.handlersMu.RLock()
	hs := b.handlers[ev.Tag]
	b.handlersMu.RUnlock()

	for _, h := range hs {
		if err := b.safeCall(ctx, h, ev); err != nil {
			metricHandlerErrors.WithLabelValues(queueName).Inc()
			b.log.Errorw("handler failed", "queue", queueName, "tag", ev.Tag, "err", err)
			if b.audit != nil {
				b.audit.Event(AuditHandlerError, map[string]interface{}{
					"queue": queueName,
					"tag":   string(ev.Tag),
					"error": err.Error(),
				})
			}
		}
	}
}

func (b *EventBus) safeCall(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, ev)
}
