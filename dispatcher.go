package main

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"ict-engine/strategy"
)

// ============================================================================
// DISPATCHER
// ============================================================================

// trailReplaceThreshold: a trailing level must move by at least this
// fraction of the entry price before the venue stop is cancel/re-placed.
// Anything smaller is churn and REST weight burn.
const trailReplaceThreshold = 0.0005

// positionView is the slice of the position cache the dispatcher needs.
type positionView interface {
	Get(ctx context.Context, symbol string) (*strategy.Position, error)
}

// stopReplacer is the slice of the gateway used for trailing-stop upkeep.
type stopReplacer interface {
	ProtectiveStop(symbol string) (float64, bool)
	ReplaceProtectiveStop(ctx context.Context, symbol string, side OrderSide, newStop float64) error
}

// Dispatcher routes candle events to the per-symbol strategy: exit checks
// while a position is open, cooldown-gated entry analysis while flat, and
// trailing-stop replacement when the exit determiner's level moves.
//
// All candle events arrive on the single-drainer data queue, so per-symbol
// state here needs no locking beyond the map guard for tests.
type Dispatcher struct {
	strategies map[string]strategy.Strategy
	positions  positionView
	stops      stopReplacer
	publish    func(ev Event, queue string) bool
	cooldown   time.Duration
	log        *zap.SugaredLogger

	mu         sync.Mutex
	lastSignal map[string]time.Time

	now func() time.Time
}

// NewDispatcher wires the dispatcher over its collaborators.
func NewDispatcher(strategies map[string]strategy.Strategy, positions positionView, stops stopReplacer, publish func(Event, string) bool, cooldown time.Duration, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		strategies: strategies,
		positions:  positions,
		stops:      stops,
		publish:    publish,
		cooldown:   cooldown,
		log:        log,
		lastSignal: make(map[string]time.Time),
	}
}

// SetClock overrides the time source (tests).
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

func (d *Dispatcher) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

// HandleCandle is the bus handler for candle_update and candle_closed.
func (d *Dispatcher) HandleCandle(ctx context.Context, ev Event) error {
	candle, ok := ev.Payload.(strategy.Candle)
	if !ok {
		return nil
	}

	st, ok := d.strategies[candle.Symbol]
	if !ok {
		d.log.Debugw("candle for unregistered symbol dropped", "symbol", candle.Symbol)
		return nil
	}

	// Strategies receive only the intervals they asked for.
	if !intervalWanted(st, candle.Interval) {
		return nil
	}
	st.UpdateBuffer(candle)

	pos, err := d.positions.Get(ctx, candle.Symbol)
	if err != nil {
		d.log.Warnw("position lookup failed, skipping candle", "symbol", candle.Symbol, "err", err)
		return nil
	}

	if !pos.IsFlat() {
		return d.manageOpenPosition(ctx, st, pos, candle)
	}
	return d.scanForEntry(st, candle)
}

// manageOpenPosition runs the exit check exactly once per candle, then
// keeps the venue stop in sync with the trailing level.
func (d *Dispatcher) manageOpenPosition(ctx context.Context, st strategy.Strategy, pos *strategy.Position, candle strategy.Candle) error {
	if sig := st.ShouldExit(pos, candle); sig != nil {
		metricSignals.WithLabelValues(sig.Symbol, string(sig.Kind)).Inc()
		d.publish(Event{Tag: EventSignal, Payload: sig}, QueueSignal)
		return nil
	}

	level, active := st.TrailingStop(pos, candle)
	if !active {
		return nil
	}
	current, tracked := d.stops.ProtectiveStop(candle.Symbol)
	if tracked && pos.EntryPrice > 0 {
		moved := math.Abs(level-current) / pos.EntryPrice
		if moved < trailReplaceThreshold {
			return nil
		}
		// Only ever tighten toward price.
		if (level-current)*pos.SideSign() <= 0 {
			return nil
		}
	}

	closeSide := OrderSideSell
	if pos.Side == strategy.SideShort {
		closeSide = OrderSideBuy
	}
	if err := d.stops.ReplaceProtectiveStop(ctx, candle.Symbol, closeSide, level); err != nil {
		d.log.Warnw("trailing stop replace failed", "symbol", candle.Symbol, "level", level, "err", err)
		return nil
	}
	d.log.Infow("trailing stop replaced", "symbol", candle.Symbol, "level", level)
	return nil
}

// scanForEntry gates analysis behind the per-symbol cooldown.
func (d *Dispatcher) scanForEntry(st strategy.Strategy, candle strategy.Candle) error {
	now := d.clock()

	d.mu.Lock()
	last, seen := d.lastSignal[candle.Symbol]
	d.mu.Unlock()
	if seen && now.Sub(last) < d.cooldown {
		return nil
	}

	sig := st.Analyze(candle)
	if sig == nil {
		return nil
	}

	d.mu.Lock()
	d.lastSignal[candle.Symbol] = now
	d.mu.Unlock()

	metricSignals.WithLabelValues(sig.Symbol, string(sig.Kind)).Inc()
	d.publish(Event{Tag: EventSignal, Payload: sig}, QueueSignal)
	return nil
}

func intervalWanted(st strategy.Strategy, interval string) bool {
	for _, iv := range st.Requirements() {
		if iv == interval {
			return true
		}
	}
	return false
}
