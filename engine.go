package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// ENGINE LIFECYCLE
// ============================================================================

// EngineState is the lifecycle state machine. Monotone:
// CREATED -> INITIALIZED -> RUNNING -> STOPPING -> STOPPED.
type EngineState string

const (
	EngineCreated     EngineState = "CREATED"
	EngineInitialized EngineState = "INITIALIZED"
	EngineRunning     EngineState = "RUNNING"
	EngineStopping    EngineState = "STOPPING"
	EngineStopped     EngineState = "STOPPED"
)

// Shutdown phase budgets.
const (
	busDrainGrace     = 10 * time.Second
	ingesterStopGrace = 5 * time.Second
	readinessWait     = 5 * time.Second
)

// ErrNotReady is returned when the readiness wait times out; treated as a
// fatal initialization error.
var ErrNotReady = fmt.Errorf("engine did not signal readiness in time")

// Engine owns the component lifecycle. It captures its own scheduler
// context on Run and exposes a readiness signal the ingester's cross-
// goroutine callback waits on before its first publish — no reference
// cycle back into the wiring layer.
type Engine struct {
	bus         *EventBus
	ingester    *MarketIngester
	userStream  *UserStream
	liquidation *LiquidationManager
	audit       *AuditLog
	log         *zap.SugaredLogger

	mu    sync.Mutex
	state EngineState

	ready    chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewEngine creates an empty engine in CREATED.
func NewEngine(log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		log:     log,
		state:   EngineCreated,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// State returns the current lifecycle state. Readers tolerate staleness.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) transition(from, to EngineState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		err := fmt.Errorf("invalid lifecycle transition %s -> %s (current %s)", from, to, e.state)
		if e.audit != nil {
			e.audit.Event(AuditLifecycleError, map[string]interface{}{
				"from":    string(from),
				"to":      string(to),
				"current": string(e.state),
			})
		}
		return err
	}
	e.state = to
	return nil
}

// SetComponents moves CREATED -> INITIALIZED with all collaborators wired.
func (e *Engine) SetComponents(bus *EventBus, ingester *MarketIngester, userStream *UserStream, liquidation *LiquidationManager, audit *AuditLog) error {
	e.audit = audit
	if err := e.transition(EngineCreated, EngineInitialized); err != nil {
		return err
	}
	e.bus = bus
	e.ingester = ingester
	e.userStream = userStream
	e.liquidation = liquidation
	return nil
}

// Run moves to RUNNING, starts the bus, streams and ingester, signals
// readiness, and blocks until Stop or context cancellation. Returns the
// liquidation report from shutdown.
func (e *Engine) Run(ctx context.Context) (LiquidationReport, error) {
	if err := e.transition(EngineInitialized, EngineRunning); err != nil {
		return LiquidationReport{}, err
	}

	e.bus.Start(ctx)
	if e.userStream != nil {
		e.userStream.Start(ctx)
	}
	e.ingester.Start(ctx)

	close(e.ready)
	e.log.Infow("engine running")

	select {
	case <-ctx.Done():
	case <-e.stopped:
		return e.liquidation.Report(), nil
	}
	return e.shutdown(context.Background())
}

// WaitReady blocks (bounded) until Run has signaled readiness. The
// ingester's callback calls this before its first publish; timeout is a
// fatal initialization error.
func (e *Engine) WaitReady(timeout time.Duration) error {
	select {
	case <-e.ready:
		return nil
	case <-time.After(timeout):
		return ErrNotReady
	}
}

// Stop triggers the shutdown sequence from outside (signal handler).
func (e *Engine) Stop() (LiquidationReport, error) {
	report, err := e.shutdown(context.Background())
	e.stopOnce.Do(func() { close(e.stopped) })
	return report, err
}

// shutdown: RUNNING -> STOPPING -> STOPPED. Ordered per the concurrency
// contract: stop intake and drain queues, stop the streams, then the
// bounded emergency liquidation. Never hangs.
func (e *Engine) shutdown(ctx context.Context) (LiquidationReport, error) {
	if err := e.transition(EngineRunning, EngineStopping); err != nil {
		// Already stopping or stopped; return the recorded report.
		if e.liquidation != nil {
			return e.liquidation.Report(), nil
		}
		return LiquidationReport{}, err
	}
	e.log.Infow("engine stopping")

	// 1. Stop intake and drain the queues, then stop the market streams.
	e.bus.Shutdown(busDrainGrace)
	e.ingester.Stop(ingesterStopGrace)

	// 2. User stream down before liquidation so stale fills do not race
	// the close-all.
	if e.userStream != nil {
		e.userStream.Stop()
	}

	// 3. Bounded emergency close-all.
	report := e.liquidation.Run(ctx)

	if err := e.transition(EngineStopping, EngineStopped); err != nil {
		return report, err
	}
	e.log.Infow("engine stopped", "liquidation", string(report.State))
	return report, nil
}
