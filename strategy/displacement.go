package strategy

import "github.com/cinar/indicator"

// Displacement is an impulsive candle whose body dwarfs recent volatility.
type Displacement struct {
	Index     int
	Magnitude float64 // body size in price units
	Bullish   bool
	Time      int64
}

const atrPeriod = 14

// DetectDisplacement inspects the newest closed candle against the ATR of
// the series: a body larger than factor×ATR counts as displacement.
func DetectDisplacement(candles []Candle, factor float64) (Displacement, bool) {
	if len(candles) < atrPeriod+2 {
		return Displacement{}, false
	}
	if factor <= 0 {
		factor = 1.5
	}

	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	_, atr := indicator.Atr(atrPeriod, highs, lows, closes)

	last := candles[len(candles)-1]
	ref := atr[len(atr)-2] // volatility before the candle under test
	if ref <= 0 {
		return Displacement{}, false
	}
	body := last.Body()
	if body < factor*ref {
		return Displacement{}, false
	}
	return Displacement{
		Index:     len(candles) - 1,
		Magnitude: body,
		Bullish:   last.Bullish(),
		Time:      last.CloseTime,
	}, true
}

// RecentDisplacement scans the newest window candles for the strongest
// displacement leg, ok=false when none qualifies.
func RecentDisplacement(candles []Candle, factor float64, window int) (Displacement, bool) {
	if window < 1 {
		window = 5
	}
	best := Displacement{}
	found := false
	for i := 0; i < window && len(candles)-i > atrPeriod+2; i++ {
		sub := candles[:len(candles)-i]
		d, ok := DetectDisplacement(sub, factor)
		if !ok {
			continue
		}
		if !found || d.Magnitude > best.Magnitude {
			best, found = d, true
		}
	}
	return best, found
}
