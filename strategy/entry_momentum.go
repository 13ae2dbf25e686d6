package strategy

import "github.com/cinar/indicator"

func init() {
	RegisterEntry("ema_momentum", func(symbol string, p Params) (EntryDeterminer, error) {
		return &MomentumEntry{
			symbol:     symbol,
			interval:   p.String("momentum_interval", "15m"),
			fastPeriod: p.Int("fast_ema_period", 9),
			slowPeriod: p.Int("slow_ema_period", 21),
			rsiFloor:   p.Float("rsi_floor", 30),
			rsiCeil:    p.Float("rsi_ceiling", 70),
		}, nil
	})
}

// MomentumEntry is a simpler single-interval determiner: enter on an EMA
// crossover that completed on the latest closed candle, with an RSI band
// filter against exhausted moves.
type MomentumEntry struct {
	symbol     string
	interval   string
	fastPeriod int
	slowPeriod int
	rsiFloor   float64
	rsiCeil    float64
}

// Name implements EntryDeterminer.
func (d *MomentumEntry) Name() string { return "ema_momentum" }

// RequiredIntervals implements EntryDeterminer.
func (d *MomentumEntry) RequiredIntervals() []string { return []string{d.interval} }

// Decide implements EntryDeterminer.
func (d *MomentumEntry) Decide(buffers map[string]*RingBuffer, candle Candle) *EntryDecision {
	if !candle.IsClosed || candle.Interval != d.interval {
		return nil
	}
	buf := buffers[d.interval]
	if buf == nil {
		return nil
	}
	closes := buf.Closes()
	if len(closes) < d.slowPeriod+2 {
		return nil
	}

	fast := indicator.Ema(d.fastPeriod, closes)
	slow := indicator.Ema(d.slowPeriod, closes)
	n := len(closes)

	crossedUp := fast[n-2] <= slow[n-2] && fast[n-1] > slow[n-1]
	crossedDown := fast[n-2] >= slow[n-2] && fast[n-1] < slow[n-1]
	if !crossedUp && !crossedDown {
		return nil
	}

	_, rsi := indicator.RsiPeriod(14, closes)
	last := rsi[n-1]
	if crossedUp && last > d.rsiCeil {
		return nil // already overbought
	}
	if crossedDown && last < d.rsiFloor {
		return nil // already oversold
	}

	kind := SignalEntryLong
	if crossedDown {
		kind = SignalEntryShort
	}
	return &EntryDecision{
		Kind:       kind,
		EntryPrice: candle.Close,
		Confidence: 0.5,
		Metadata: map[string]interface{}{
			"fast_ema": fast[n-1],
			"slow_ema": slow[n-1],
			"rsi":      last,
		},
		// No detector zones: the pricing determiners fall back.
		PriceExtras: map[string]interface{}{},
	}
}
