package strategy

import "fmt"

func init() {
	RegisterTakeProfit("displacement", func(symbol string, p Params) (TakeProfitDeterminer, error) {
		return &DisplacementTakeProfit{
			multiplier: p.Float("tp_displacement_mult", 1.0),
			fallbackRR: p.Float("tp_fallback_rr", 2.0),
		}, nil
	})
	RegisterTakeProfit("rr_multiple", func(symbol string, p Params) (TakeProfitDeterminer, error) {
		return &RRTakeProfit{rr: p.Float("tp_rr", 2.0)}, nil
	})
}

// DisplacementTakeProfit projects the displacement leg magnitude from the
// entry: momentum that produced the setup is expected to carry roughly one
// more leg. Without displacement data it falls back to an RR multiple of
// the stop distance.
type DisplacementTakeProfit struct {
	multiplier float64
	fallbackRR float64
}

// Name implements TakeProfitDeterminer.
func (d *DisplacementTakeProfit) Name() string { return "displacement" }

// Compute implements TakeProfitDeterminer.
func (d *DisplacementTakeProfit) Compute(ctx PriceContext) (float64, error) {
	if size, ok := ctx.FloatExtra(ExtraDisplacementSize); ok && size > 0 {
		dist := size * d.multiplier
		if ctx.Side == SideLong {
			return ctx.EntryPrice + dist, nil
		}
		return ctx.EntryPrice - dist, nil
	}
	return rrTarget(ctx, d.fallbackRR)
}

// RRTakeProfit targets a fixed multiple of the stop distance.
type RRTakeProfit struct {
	rr float64
}

// Name implements TakeProfitDeterminer.
func (d *RRTakeProfit) Name() string { return "rr_multiple" }

// Compute implements TakeProfitDeterminer.
func (d *RRTakeProfit) Compute(ctx PriceContext) (float64, error) {
	return rrTarget(ctx, d.rr)
}

// rrTarget derives the target from the already-computed stop the composable
// strategy exposes in the context.
func rrTarget(ctx PriceContext, rr float64) (float64, error) {
	if rr <= 0 {
		return 0, fmt.Errorf("risk/reward multiple must be positive: %v", rr)
	}
	sl, ok := ctx.FloatExtra(ExtraStopLoss)
	if !ok {
		return 0, fmt.Errorf("take profit needs %s in context extras", ExtraStopLoss)
	}
	risk := ctx.EntryPrice - sl
	if risk < 0 {
		risk = -risk
	}
	if risk == 0 {
		return 0, fmt.Errorf("degenerate stop distance for %s", ctx.Symbol)
	}
	if ctx.Side == SideLong {
		return ctx.EntryPrice + risk*rr, nil
	}
	return ctx.EntryPrice - risk*rr, nil
}
