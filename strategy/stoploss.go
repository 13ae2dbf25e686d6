package strategy

import "fmt"

func init() {
	RegisterStopLoss("zone_based", func(symbol string, p Params) (StopLossDeterminer, error) {
		return &ZoneStopLoss{
			bufferPct:   p.Float("sl_zone_buffer_pct", 0.001),
			fallbackPct: p.Float("sl_fallback_pct", 0.01),
		}, nil
	})
	RegisterStopLoss("percentage", func(symbol string, p Params) (StopLossDeterminer, error) {
		return &PercentStopLoss{pct: p.Float("sl_pct", 0.01)}, nil
	})
}

// ZoneStopLoss anchors the stop behind the detector zone that justified the
// entry (fair value gap, or a swing level when present). When the entry
// determiner supplied no usable extras it falls back to a fixed percentage,
// so any entry/stop-loss pairing stays valid.
type ZoneStopLoss struct {
	bufferPct   float64
	fallbackPct float64
}

// Name implements StopLossDeterminer.
func (d *ZoneStopLoss) Name() string { return "zone_based" }

// Compute implements StopLossDeterminer.
func (d *ZoneStopLoss) Compute(ctx PriceContext) (float64, error) {
	buffer := ctx.EntryPrice * d.bufferPct

	if z, ok := ctx.ZoneExtra(ExtraFVGZone); ok {
		if ctx.Side == SideLong {
			return z.Lower - buffer, nil
		}
		return z.Upper + buffer, nil
	}
	if ctx.Side == SideLong {
		if sw, ok := ctx.FloatExtra(ExtraSwingLow); ok && sw < ctx.EntryPrice {
			return sw - buffer, nil
		}
	} else {
		if sw, ok := ctx.FloatExtra(ExtraSwingHigh); ok && sw > ctx.EntryPrice {
			return sw + buffer, nil
		}
	}

	// No zone data: percentage fallback keeps the pairing usable.
	return percentStop(ctx, d.fallbackPct)
}

// PercentStopLoss places the stop a fixed fraction away from entry.
type PercentStopLoss struct {
	pct float64
}

// Name implements StopLossDeterminer.
func (d *PercentStopLoss) Name() string { return "percentage" }

// Compute implements StopLossDeterminer.
func (d *PercentStopLoss) Compute(ctx PriceContext) (float64, error) {
	return percentStop(ctx, d.pct)
}

func percentStop(ctx PriceContext, pct float64) (float64, error) {
	if pct <= 0 || pct >= 1 {
		return 0, fmt.Errorf("stop percentage out of range (0,1): %v", pct)
	}
	if ctx.Side == SideLong {
		return ctx.EntryPrice * (1 - pct), nil
	}
	return ctx.EntryPrice * (1 + pct), nil
}
