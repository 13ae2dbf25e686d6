package strategy

import (
	"time"

	"github.com/cinar/indicator"
)

func init() {
	RegisterEntry("ict", func(symbol string, p Params) (EntryDeterminer, error) {
		kz, err := ParseKillZones(p.Strings("killzones", nil))
		if err != nil {
			return nil, err
		}
		return &ICTEntry{
			symbol:             symbol,
			ltf:                p.String("ltf_interval", "5m"),
			mtf:                p.String("mtf_interval", "1h"),
			htf:                p.String("htf_interval", "4h"),
			biasPeriod:         p.Int("bias_ema_period", 50),
			fvgMinGapPct:       p.Float("fvg_min_gap_pct", 0.0005),
			displacementFactor: p.Float("displacement_factor", 1.5),
			killZones:          kz,
		}, nil
	})
}

// ICTEntry is the reference entry determiner: higher-timeframe bias, a
// mid-timeframe displacement leg, and a retrace into an unfilled lower-
// timeframe fair value gap, optionally gated by kill-zone sessions.
type ICTEntry struct {
	symbol             string
	ltf, mtf, htf      string
	biasPeriod         int
	fvgMinGapPct       float64
	displacementFactor float64
	killZones          *KillZones
}

// Name implements EntryDeterminer.
func (d *ICTEntry) Name() string { return "ict" }

// RequiredIntervals implements EntryDeterminer.
func (d *ICTEntry) RequiredIntervals() []string {
	return []string{d.ltf, d.mtf, d.htf}
}

// Decide implements EntryDeterminer. Only closed LTF candles are acted on.
func (d *ICTEntry) Decide(buffers map[string]*RingBuffer, candle Candle) *EntryDecision {
	if !candle.IsClosed || candle.Interval != d.ltf {
		return nil
	}
	if !d.killZones.Contains(time.UnixMilli(candle.CloseTime)) {
		return nil
	}

	ltfBuf, mtfBuf, htfBuf := buffers[d.ltf], buffers[d.mtf], buffers[d.htf]
	if ltfBuf == nil || mtfBuf == nil || htfBuf == nil {
		return nil
	}

	bullishBias, ok := d.htfBias(htfBuf)
	if !ok {
		return nil
	}

	// Mid-timeframe must show an impulsive leg in the bias direction.
	disp, ok := RecentDisplacement(mtfBuf.Closed(), d.displacementFactor, 5)
	if !ok || disp.Bullish != bullishBias {
		return nil
	}

	// Entry trigger: price trading back into an unfilled LTF gap aligned
	// with the bias.
	fvg, ok := LatestUnfilledFVG(ltfBuf.Closed(), d.fvgMinGapPct, bullishBias)
	if !ok || !fvg.Contains(candle.Close) {
		return nil
	}

	kind := SignalEntryLong
	if !bullishBias {
		kind = SignalEntryShort
	}

	extras := map[string]interface{}{
		ExtraFVGZone:          fvg,
		ExtraDisplacementSize: disp.Magnitude,
	}
	confidence := 0.6
	if ob, ok := LatestOrderBlock(mtfBuf.Closed(), d.displacementFactor, bullishBias); ok {
		extras[ExtraOrderBlock] = ob
		confidence += 0.2
	}
	if sw, ok := LastSwing(ltfBuf.Closed(), 2, !bullishBias); ok {
		if bullishBias {
			extras[ExtraSwingLow] = sw.Price
		} else {
			extras[ExtraSwingHigh] = sw.Price
		}
		confidence += 0.1
	}

	return &EntryDecision{
		Kind:       kind,
		EntryPrice: candle.Close,
		Confidence: confidence,
		Metadata: map[string]interface{}{
			"bias":              biasLabel(bullishBias),
			"displacement":      disp.Magnitude,
			"fvg_upper":         fvg.Upper,
			"fvg_lower":         fvg.Lower,
			"killzone_gated":    !d.killZones.Empty(),
			"entry_interval":    d.ltf,
			"bias_interval":     d.htf,
			"impulse_interval":  d.mtf,
			"entry_confluences": len(extras),
		},
		PriceExtras: extras,
	}
}

// htfBias compares the last close against its EMA; ok=false while the
// higher timeframe lacks depth.
func (d *ICTEntry) htfBias(buf *RingBuffer) (bullish, ok bool) {
	closes := buf.Closes()
	if len(closes) < d.biasPeriod {
		return false, false
	}
	ema := indicator.Ema(d.biasPeriod, closes)
	last := closes[len(closes)-1]
	return last > ema[len(ema)-1], true
}

func biasLabel(bullish bool) string {
	if bullish {
		return "bullish"
	}
	return "bearish"
}
