package strategy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Exit reasons carried on exit signals.
const (
	ExitReasonTrailingStop      = "trailing_stop"
	ExitReasonBreakeven         = "breakeven"
	ExitReasonTimeLimit         = "time_limit"
	ExitReasonIndicatorReversal = "indicator_reversal"
)

func init() {
	RegisterExit("smart", func(symbol string, p Params) (ExitDeterminer, error) {
		return &SmartExit{
			symbol:             symbol,
			interval:           p.String("exit_interval", p.String("ltf_interval", "5m")),
			activationPct:      p.Float("trail_activation_pct", 0.01),
			trailPct:           p.Float("trail_pct", 0.005),
			breakevenPct:       p.Float("breakeven_pct", 0.004),
			maxHold:            time.Duration(p.Float("max_hold_minutes", 720)) * time.Minute,
			displacementFactor: p.Float("displacement_factor", 1.5),
			state:              make(map[string]*trailState),
		}, nil
	})
	RegisterExit("time_limit", func(symbol string, p Params) (ExitDeterminer, error) {
		return &TimeLimitExit{
			symbol:  symbol,
			maxHold: time.Duration(p.Float("max_hold_minutes", 240)) * time.Minute,
		}, nil
	})
}

// trailState tracks the trailing level for one (symbol, side).
type trailState struct {
	active    bool
	level     float64
	highWater float64 // best price seen since activation
	breakeven bool
}

// SmartExit is the reference exit determiner: break-even protection once
// the trade is modestly in profit, a percentage trailing stop after the
// activation threshold, a hard time limit, and an indicator-reversal check
// (opposing displacement on the exit interval). State is keyed
// "{symbol}_{side}" so long and short cycles never bleed into each other.
type SmartExit struct {
	symbol             string
	interval           string
	activationPct      float64
	trailPct           float64
	breakevenPct       float64
	maxHold            time.Duration
	displacementFactor float64
	state              map[string]*trailState
}

// Name implements ExitDeterminer.
func (d *SmartExit) Name() string { return "smart" }

// RequiredIntervals implements ExitDeterminer.
func (d *SmartExit) RequiredIntervals() []string { return []string{d.interval} }

func (d *SmartExit) key(pos *Position) string {
	return fmt.Sprintf("%s_%s", pos.Symbol, pos.Side)
}

// Evaluate implements ExitDeterminer.
func (d *SmartExit) Evaluate(pos *Position, candle Candle, buffers map[string]*RingBuffer) *Signal {
	if pos.IsFlat() || candle.Interval != d.interval {
		return nil
	}
	sign := pos.SideSign()
	price := candle.Close
	st := d.state[d.key(pos)]
	if st == nil {
		st = &trailState{}
		d.state[d.key(pos)] = st
	}

	profitPct := (price - pos.EntryPrice) / pos.EntryPrice * sign

	// 1. Time limit.
	if d.maxHold > 0 && pos.LastUpdated > 0 {
		held := time.Duration(candle.CloseTime-pos.LastUpdated) * time.Millisecond
		if held >= d.maxHold {
			d.reset(pos)
			return d.exitSignal(pos, candle, ExitReasonTimeLimit)
		}
	}

	// 2. Break-even arm: once modestly in profit, exit if price comes all
	// the way back to entry.
	if profitPct >= d.breakevenPct {
		st.breakeven = true
	}
	if st.breakeven && !st.active && profitPct <= 0 {
		d.reset(pos)
		return d.exitSignal(pos, candle, ExitReasonBreakeven)
	}

	// 3. Trailing stop: activate past the threshold, ratchet with the high
	// water mark, exit on giveback.
	if !st.active && profitPct >= d.activationPct {
		st.active = true
		st.highWater = price
		st.level = price * (1 - d.trailPct*sign)
	}
	if st.active {
		if (price-st.highWater)*sign > 0 {
			st.highWater = price
			level := price * (1 - d.trailPct*sign)
			if (level-st.level)*sign > 0 {
				st.level = level
			}
		}
		if (price-st.level)*sign <= 0 {
			d.reset(pos)
			return d.exitSignal(pos, candle, ExitReasonTrailingStop)
		}
	}

	// 4. Indicator reversal: an opposing displacement leg on the exit
	// interval means the move is being unwound.
	if candle.IsClosed {
		if buf := buffers[d.interval]; buf != nil {
			if disp, ok := DetectDisplacement(buf.Closed(), d.displacementFactor); ok {
				against := (pos.Side == SideLong && !disp.Bullish) || (pos.Side == SideShort && disp.Bullish)
				if against {
					d.reset(pos)
					return d.exitSignal(pos, candle, ExitReasonIndicatorReversal)
				}
			}
		}
	}

	return nil
}

// TrailingStop implements ExitDeterminer: reports the ratcheted level so
// the dispatcher can keep the venue stop in sync.
func (d *SmartExit) TrailingStop(pos *Position, candle Candle) (float64, bool) {
	if pos.IsFlat() {
		return 0, false
	}
	st := d.state[d.key(pos)]
	if st == nil || !st.active {
		return 0, false
	}
	return st.level, true
}

func (d *SmartExit) reset(pos *Position) {
	delete(d.state, d.key(pos))
}

func (d *SmartExit) exitSignal(pos *Position, candle Candle, reason string) *Signal {
	return &Signal{
		Kind:       pos.ExitKind(),
		Symbol:     pos.Symbol,
		Timestamp:  candle.CloseTime,
		EntryPrice: candle.Close,
		Strategy:   "exit/" + d.Name(),
		ExitReason: reason,
	}
}

// TimeLimitExit closes any position older than the configured hold time.
type TimeLimitExit struct {
	symbol  string
	maxHold time.Duration
}

// Name implements ExitDeterminer.
func (d *TimeLimitExit) Name() string { return "time_limit" }

// RequiredIntervals implements ExitDeterminer.
func (d *TimeLimitExit) RequiredIntervals() []string { return nil }

// Evaluate implements ExitDeterminer.
func (d *TimeLimitExit) Evaluate(pos *Position, candle Candle, buffers map[string]*RingBuffer) *Signal {
	if pos.IsFlat() || pos.LastUpdated == 0 {
		return nil
	}
	held := time.Duration(candle.CloseTime-pos.LastUpdated) * time.Millisecond
	if held < d.maxHold {
		return nil
	}
	return &Signal{
		Kind:       pos.ExitKind(),
		Symbol:     pos.Symbol,
		Timestamp:  candle.CloseTime,
		EntryPrice: candle.Close,
		Strategy:   "exit/" + d.Name(),
		ExitReason: ExitReasonTimeLimit,
	}
}

// TrailingStop implements ExitDeterminer; this determiner never trails.
func (d *TimeLimitExit) TrailingStop(pos *Position, candle Candle) (float64, bool) {
	return 0, false
}

// IntervalDuration converts an interval tag ("1m", "4h", "1d") to a
// duration. Only determiners interpret tags semantically; everything else
// treats them as opaque strings.
func IntervalDuration(tag string) (time.Duration, error) {
	if len(tag) < 2 {
		return 0, fmt.Errorf("bad interval tag %q", tag)
	}
	unit := tag[len(tag)-1]
	n, err := strconv.Atoi(strings.TrimSuffix(tag, string(unit)))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad interval tag %q", tag)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("bad interval tag %q", tag)
}
