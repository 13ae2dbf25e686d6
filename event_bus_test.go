package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*EventBus, *AuditLog) {
	t.Helper()
	audit, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(audit.Close)
	return NewEventBus(nil, audit), audit
}

func TestEventBusOrderingWithinQueue(t *testing.T) {
	bus, _ := newTestBus(t)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	bus.Subscribe(EventCandleClosed, func(ctx context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		n := len(got)
		mu.Unlock()
		if n == 50 {
			close(done)
		}
		return nil
	})

	bus.Start(context.Background())
	for i := 0; i < 50; i++ {
		require.True(t, bus.Publish(Event{Tag: EventCandleClosed, Payload: i}, QueueData))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers did not run")
	}
	bus.Shutdown(time.Second)

	for i := 0; i < 50; i++ {
		assert.Equal(t, i, got[i], "events must arrive in publish order")
	}
}

func TestEventBusDataOverflowDropsNewest(t *testing.T) {
	bus, _ := newTestBus(t)
	// Not started: the data queue fills and overflows.
	bus.accepting.Store(true)

	for i := 0; i < dataQueueCap; i++ {
		require.True(t, bus.Publish(Event{Tag: EventCandleUpdate, Payload: i}, QueueData))
	}
	assert.False(t, bus.Publish(Event{Tag: EventCandleUpdate, Payload: -1}, QueueData))
	assert.Equal(t, int64(1), bus.DroppedCount())
}

func TestEventBusHandlerFailureDoesNotStopDrain(t *testing.T) {
	bus, _ := newTestBus(t)

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	bus.Subscribe(EventCandleClosed, func(ctx context.Context, ev Event) error {
		i := ev.Payload.(int)
		if i == 0 {
			panic("determiner bug")
		}
		if i == 1 {
			return errors.New("handler error")
		}
		mu.Lock()
		seen = append(seen, i)
		mu.Unlock()
		if i == 3 {
			close(done)
		}
		return nil
	})

	bus.Start(context.Background())
	for i := 0; i < 4; i++ {
		bus.Publish(Event{Tag: EventCandleClosed, Payload: i}, QueueData)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain loop died after handler failure")
	}
	bus.Shutdown(time.Second)
	assert.Equal(t, []int{2, 3}, seen)
}

func TestEventBusRejectsAfterShutdown(t *testing.T) {
	bus, _ := newTestBus(t)
	bus.Start(context.Background())
	bus.Shutdown(time.Second)
	assert.False(t, bus.Publish(Event{Tag: EventCandleUpdate}, QueueData))
}

func TestEventBusQueuesRunConcurrently(t *testing.T) {
	bus, _ := newTestBus(t)

	blockData := make(chan struct{})
	orderDone := make(chan struct{})
	bus.Subscribe(EventCandleClosed, func(ctx context.Context, ev Event) error {
		<-blockData
		return nil
	})
	bus.Subscribe(EventOrderFilled, func(ctx context.Context, ev Event) error {
		close(orderDone)
		return nil
	})

	bus.Start(context.Background())
	bus.Publish(Event{Tag: EventCandleClosed}, QueueData)
	bus.Publish(Event{Tag: EventOrderFilled}, QueueOrder)

	select {
	case <-orderDone:
		// order queue progressed while data handler was blocked
	case <-time.After(2 * time.Second):
		t.Fatal("order queue starved by data queue")
	}
	close(blockData)
	bus.Shutdown(time.Second)
}
