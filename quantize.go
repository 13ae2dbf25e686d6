package main

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Indicator math runs on float64; order parameters cross to exact decimals
// here before anything is transmitted to the venue.

// QuantizePrice snaps a price onto the symbol's tick grid and renders it
// with the tick's scale. Rounds to nearest tick.
func QuantizePrice(price float64, tickSize string) (string, error) {
	return quantize(price, tickSize, false)
}

// QuantizeQty snaps a quantity onto the step grid, rounding DOWN so the
// order never exceeds the sized amount (and never trips insufficient
// balance).
func QuantizeQty(qty float64, stepSize string) (string, error) {
	return quantize(qty, stepSize, true)
}

func quantize(value float64, grid string, floor bool) (string, error) {
	step, err := decimal.NewFromString(grid)
	if err != nil {
		return "", fmt.Errorf("bad grid size %q: %w", grid, err)
	}
	if step.IsZero() {
		return "", fmt.Errorf("zero grid size")
	}
	v := decimal.NewFromFloat(value)
	steps := v.Div(step)
	if floor {
		steps = steps.Floor()
	} else {
		steps = steps.Round(0)
	}
	snapped := steps.Mul(step)
	return snapped.StringFixed(int32(gridScale(step))), nil
}

// gridScale returns the number of decimal places the grid size carries
// ("0.001" -> 3, "1" -> 0).
func gridScale(step decimal.Decimal) int {
	exp := step.Exponent()
	if exp >= 0 {
		return 0
	}
	return int(-exp)
}

// ParseGrid validates a tick/step size string at exchange-info load time.
func ParseGrid(grid string) error {
	d, err := decimal.NewFromString(grid)
	if err != nil {
		return err
	}
	if d.Sign() <= 0 {
		return fmt.Errorf("non-positive grid size %q", grid)
	}
	return nil
}
