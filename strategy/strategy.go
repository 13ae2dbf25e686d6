package strategy

import (
	"go.uber.org/zap"
)

// Strategy is the per-symbol analysis contract the dispatcher drives. A
// strategy never performs I/O; it must return quickly on the candle hot
// path.
type Strategy interface {
	Symbol() string
	Name() string
	// Requirements lists the interval tags whose candles this strategy
	// wants; the dispatcher filters before calling UpdateBuffer, and
	// warm-up backfills exactly these.
	Requirements() []string
	UpdateBuffer(c Candle)
	IsReady() bool
	Analyze(c Candle) *Signal
	ShouldExit(pos *Position, c Candle) *Signal
	// TrailingStop exposes the exit determiner's current trailing level so
	// the dispatcher can replace the venue stop.
	TrailingStop(pos *Position, c Candle) (float64, bool)
}

// MinHistoryDepth is the default number of closed candles every required
// buffer must hold before the strategy starts producing signals.
const MinHistoryDepth = 50

// Composable assembles a strategy from a ModuleConfig: one entry, one
// stop-loss, one take-profit and one exit determiner, orchestrated around
// per-interval ring buffers. A single-interval strategy is just the
// degenerate case with one buffer.
type Composable struct {
	symbol   string
	modules  *ModuleConfig
	buffers  map[string]*RingBuffer
	minDepth int
	minRR    float64
	log      *zap.SugaredLogger
}

// NewComposable builds a composable strategy for one symbol. Buffers are
// created for every aggregated requirement up front.
func NewComposable(symbol string, modules *ModuleConfig, minRR float64, log *zap.SugaredLogger) *Composable {
	buffers := make(map[string]*RingBuffer, len(modules.AggregatedRequirements))
	for _, iv := range modules.AggregatedRequirements {
		buffers[iv] = NewRingBuffer(DefaultBufferCapacity)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Composable{
		symbol:   symbol,
		modules:  modules,
		buffers:  buffers,
		minDepth: MinHistoryDepth,
		minRR:    minRR,
		log:      log,
	}
}

// Symbol returns the symbol this instance trades.
func (s *Composable) Symbol() string { return s.symbol }

// Name identifies the assembled strategy for signal attribution.
func (s *Composable) Name() string {
	return "composable/" + s.modules.Entry.Name()
}

// Requirements returns the aggregated interval tags.
func (s *Composable) Requirements() []string { return s.modules.AggregatedRequirements }

// SetMinDepth overrides the readiness depth (used by tests and short-lived
// configurations).
func (s *Composable) SetMinDepth(n int) { s.minDepth = n }

// UpdateBuffer inserts a candle into its interval buffer. Candles for
// intervals the strategy never asked for are ignored.
func (s *Composable) UpdateBuffer(c Candle) {
	if c.Symbol != s.symbol {
		return
	}
	buf, ok := s.buffers[c.Interval]
	if !ok {
		return
	}
	buf.Push(c)
}

// IsReady reports whether every required buffer holds enough closed
// history.
func (s *Composable) IsReady() bool {
	for _, iv := range s.modules.AggregatedRequirements {
		if s.buffers[iv].ClosedLen() < s.minDepth {
			return false
		}
	}
	return true
}

// Analyze runs the entry pipeline: entry decision, price context, SL, TP,
// risk/reward filter. Returns nil when there is nothing to do.
func (s *Composable) Analyze(c Candle) *Signal {
	if !s.IsReady() {
		return nil
	}

	decision := s.modules.Entry.Decide(s.buffers, c)
	if decision == nil {
		return nil
	}

	ctx := PriceContext{
		Symbol:     s.symbol,
		Side:       decision.Side(),
		EntryPrice: decision.EntryPrice,
		Extras:     decision.PriceExtras,
	}

	sl, err := s.modules.StopLoss.Compute(ctx)
	if err != nil {
		s.log.Warnw("stop loss computation failed", "symbol", s.symbol, "err", err)
		return nil
	}

	// The take-profit determiner may need the risk distance; expose the
	// computed stop under a reserved key without touching the decision's
	// own extras.
	tpExtras := make(map[string]interface{}, len(ctx.Extras)+1)
	for k, v := range ctx.Extras {
		tpExtras[k] = v
	}
	tpExtras[ExtraStopLoss] = sl
	tpCtx := ctx
	tpCtx.Extras = tpExtras

	tp, err := s.modules.TakeProfit.Compute(tpCtx)
	if err != nil {
		s.log.Warnw("take profit computation failed", "symbol", s.symbol, "err", err)
		return nil
	}

	rr := ComputeRR(decision.EntryPrice, sl, tp)
	if rr < s.minRR {
		s.log.Infow("entry rejected below min risk/reward",
			"symbol", s.symbol, "rr", rr, "min_rr", s.minRR,
			"entry", decision.EntryPrice, "sl", sl, "tp", tp)
		return nil
	}

	sig := &Signal{
		Kind:       decision.Kind,
		Symbol:     s.symbol,
		Timestamp:  c.CloseTime,
		EntryPrice: decision.EntryPrice,
		StopLoss:   sl,
		TakeProfit: tp,
		Strategy:   s.Name(),
		RiskReward: rr,
	}
	if err := sig.ValidateGeometry(); err != nil {
		s.log.Warnw("determiner produced invalid geometry", "symbol", s.symbol, "err", err)
		return nil
	}
	return sig
}

// ShouldExit delegates to the exit determiner. Returns nil while not ready
// or while the determiner wants to stay in.
func (s *Composable) ShouldExit(pos *Position, c Candle) *Signal {
	if !s.IsReady() {
		return nil
	}
	return s.modules.Exit.Evaluate(pos, c, s.buffers)
}

// TrailingStop proxies the exit determiner's trailing level.
func (s *Composable) TrailingStop(pos *Position, c Candle) (float64, bool) {
	return s.modules.Exit.TrailingStop(pos, c)
}
