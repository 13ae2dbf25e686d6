package strategy

// Zone is a horizontal price band produced by a detector (fair value gap,
// order block). Bullish zones act as support, bearish as resistance.
type Zone struct {
	Upper   float64
	Lower   float64
	Time    int64 // close time of the candle that completed the pattern
	Bullish bool
}

// Mid returns the zone midpoint.
func (z Zone) Mid() float64 { return (z.Upper + z.Lower) / 2 }

// Width returns the zone height.
func (z Zone) Width() float64 { return z.Upper - z.Lower }

// Contains reports whether a price sits inside the zone.
func (z Zone) Contains(price float64) bool {
	return price >= z.Lower && price <= z.Upper
}

// DetectFVGs scans closed candles for three-candle fair value gaps: a
// bullish gap exists where candle i+1's low sits above candle i-1's high,
// leaving untraded space around the middle candle. Gaps narrower than
// minGapPct of the middle close are noise and skipped. Newest gaps come
// last.
func DetectFVGs(candles []Candle, minGapPct float64) []Zone {
	if len(candles) < 3 {
		return nil
	}
	var zones []Zone
	for i := 1; i < len(candles)-1; i++ {
		prev, mid, next := candles[i-1], candles[i], candles[i+1]
		if mid.Close == 0 {
			continue
		}
		// Bullish gap: space between prev high and next low.
		if next.Low > prev.High {
			gap := next.Low - prev.High
			if gap/mid.Close >= minGapPct {
				zones = append(zones, Zone{
					Upper:   next.Low,
					Lower:   prev.High,
					Time:    next.CloseTime,
					Bullish: true,
				})
			}
		}
		// Bearish gap: space between next high and prev low.
		if next.High < prev.Low {
			gap := prev.Low - next.High
			if gap/mid.Close >= minGapPct {
				zones = append(zones, Zone{
					Upper:   prev.Low,
					Lower:   next.High,
					Time:    next.CloseTime,
					Bullish: false,
				})
			}
		}
	}
	return zones
}

// LatestUnfilledFVG returns the newest gap of the wanted direction that
// price has not yet traded fully through, ok=false when none exists.
func LatestUnfilledFVG(candles []Candle, minGapPct float64, bullish bool) (Zone, bool) {
	zones := DetectFVGs(candles, minGapPct)
	for i := len(zones) - 1; i >= 0; i-- {
		z := zones[i]
		if z.Bullish != bullish {
			continue
		}
		if !fvgFilled(candles, z) {
			return z, true
		}
	}
	return Zone{}, false
}

// fvgFilled reports whether any candle after the gap traded through the far
// side of the zone.
func fvgFilled(candles []Candle, z Zone) bool {
	for _, c := range candles {
		if c.CloseTime <= z.Time {
			continue
		}
		if z.Bullish && c.Low < z.Lower {
			return true
		}
		if !z.Bullish && c.High > z.Upper {
			return true
		}
	}
	return false
}
