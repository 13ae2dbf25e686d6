package strategy

// PriceContext carries everything a stop-loss or take-profit determiner is
// allowed to see: the entry, the side, and whatever detector output the
// entry determiner chose to forward. It is frozen at construction; the
// pricing contract stays decoupled from any specific entry implementation.
type PriceContext struct {
	Symbol     string
	Side       PositionSide
	EntryPrice float64
	Extras     map[string]interface{}
}

// Extra returns a named extra, ok=false when absent.
func (pc PriceContext) Extra(key string) (interface{}, bool) {
	v, ok := pc.Extras[key]
	return v, ok
}

// FloatExtra returns a float64 extra, ok=false when absent or mistyped.
func (pc PriceContext) FloatExtra(key string) (float64, bool) {
	v, ok := pc.Extras[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// ZoneExtra returns a Zone extra, ok=false when absent or mistyped.
func (pc PriceContext) ZoneExtra(key string) (Zone, bool) {
	v, ok := pc.Extras[key]
	if !ok {
		return Zone{}, false
	}
	z, ok := v.(Zone)
	return z, ok
}

// Reserved extras key under which the composable strategy exposes the
// already-computed stop to the take-profit determiner.
const ExtraStopLoss = "stop_loss"

// Extras keys produced by the ICT entry determiner.
const (
	ExtraFVGZone          = "fvg_zone"
	ExtraOrderBlock       = "ob_zone"
	ExtraDisplacementSize = "displacement_size"
	ExtraSwingLow         = "swing_low"
	ExtraSwingHigh        = "swing_high"
)

// EntryDecision is the entry determiner's verdict. Metadata is public
// (logging/audit); PriceExtras is forwarded unchanged into the
// PriceContext consumed by the pricing determiners. The split keeps
// log-intended fields out of pricing and vice-versa.
type EntryDecision struct {
	Kind        SignalKind
	EntryPrice  float64
	Confidence  float64
	Metadata    map[string]interface{}
	PriceExtras map[string]interface{}
}

// Side maps the decision kind to a position side.
func (d *EntryDecision) Side() PositionSide {
	if d.Kind == SignalEntryShort {
		return SideShort
	}
	return SideLong
}
