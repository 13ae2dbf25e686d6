package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Params is the free-form parameter bag a determiner factory receives from
// configuration.
type Params map[string]interface{}

// Float reads a float parameter with a default. Integers in yaml decode as
// int, so both are accepted.
func (p Params) Float(key string, def float64) float64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return def
}

// Int reads an int parameter with a default.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return def
}

// String reads a string parameter with a default.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Strings reads a string-list parameter with a default.
func (p Params) Strings(key string, def []string) []string {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

// ============================================================================
// DETERMINER CONTRACTS
// ============================================================================

// EntryDeterminer decides whether the current buffers justify opening a
// position. It declares the interval tags it needs; the dispatcher only
// feeds those.
type EntryDeterminer interface {
	Name() string
	RequiredIntervals() []string
	Decide(buffers map[string]*RingBuffer, candle Candle) *EntryDecision
}

// StopLossDeterminer prices the protective stop for an entry.
type StopLossDeterminer interface {
	Name() string
	Compute(ctx PriceContext) (float64, error)
}

// TakeProfitDeterminer prices the profit target for an entry.
type TakeProfitDeterminer interface {
	Name() string
	Compute(ctx PriceContext) (float64, error)
}

// ExitDeterminer watches an open position and may demand an exit. It owns
// any trailing-level state, keyed per (symbol, side).
type ExitDeterminer interface {
	Name() string
	RequiredIntervals() []string
	Evaluate(pos *Position, candle Candle, buffers map[string]*RingBuffer) *Signal
	// TrailingStop returns the current protective-stop level and whether
	// one is active; the dispatcher uses it to replace the venue stop.
	TrailingStop(pos *Position, candle Candle) (float64, bool)
}

// ModuleConfig is one symbol's assembled determiner set plus the union of
// their declared interval requirements.
type ModuleConfig struct {
	Entry      EntryDeterminer
	StopLoss   StopLossDeterminer
	TakeProfit TakeProfitDeterminer
	Exit       ExitDeterminer

	AggregatedRequirements []string
}

// ============================================================================
// MODULE REGISTRY
// ============================================================================

// Factories construct fresh determiner instances. Each symbol gets its own
// instances; no mutable determiner state is ever shared between symbols.
type (
	EntryFactory      func(symbol string, p Params) (EntryDeterminer, error)
	StopLossFactory   func(symbol string, p Params) (StopLossDeterminer, error)
	TakeProfitFactory func(symbol string, p Params) (TakeProfitDeterminer, error)
	ExitFactory       func(symbol string, p Params) (ExitDeterminer, error)
)

var registry = struct {
	mu         sync.Mutex
	entries    map[string]EntryFactory
	stopLosses map[string]StopLossFactory
	takeProfit map[string]TakeProfitFactory
	exits      map[string]ExitFactory
}{
	entries:    make(map[string]EntryFactory),
	stopLosses: make(map[string]StopLossFactory),
	takeProfit: make(map[string]TakeProfitFactory),
	exits:      make(map[string]ExitFactory),
}

// RegisterEntry adds an entry determiner factory under a name. Registration
// happens at init time only; the registry is effectively read-only after.
func RegisterEntry(name string, f EntryFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.entries[name] = f
}

// RegisterStopLoss adds a stop-loss determiner factory.
func RegisterStopLoss(name string, f StopLossFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.stopLosses[name] = f
}

// RegisterTakeProfit adds a take-profit determiner factory.
func RegisterTakeProfit(name string, f TakeProfitFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.takeProfit[name] = f
}

// RegisterExit adds an exit determiner factory.
func RegisterExit(name string, f ExitFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.exits[name] = f
}

// Selection names the four determiners to assemble for a symbol.
type Selection struct {
	Entry      string
	StopLoss   string
	TakeProfit string
	Exit       string
	Params     Params
}

// Assemble builds a ModuleConfig for one symbol from registered factories.
// The aggregated requirements are the sorted union of the entry and exit
// determiners' declared intervals.
func Assemble(symbol string, sel Selection) (*ModuleConfig, error) {
	registry.mu.Lock()
	entryF, ok1 := registry.entries[sel.Entry]
	slF, ok2 := registry.stopLosses[sel.StopLoss]
	tpF, ok3 := registry.takeProfit[sel.TakeProfit]
	exitF, ok4 := registry.exits[sel.Exit]
	registry.mu.Unlock()

	if !ok1 {
		return nil, fmt.Errorf("unknown entry determiner %q", sel.Entry)
	}
	if !ok2 {
		return nil, fmt.Errorf("unknown stop-loss determiner %q", sel.StopLoss)
	}
	if !ok3 {
		return nil, fmt.Errorf("unknown take-profit determiner %q", sel.TakeProfit)
	}
	if !ok4 {
		return nil, fmt.Errorf("unknown exit determiner %q", sel.Exit)
	}

	p := sel.Params
	if p == nil {
		p = Params{}
	}

	entry, err := entryF(symbol, p)
	if err != nil {
		return nil, fmt.Errorf("entry %q: %w", sel.Entry, err)
	}
	sl, err := slF(symbol, p)
	if err != nil {
		return nil, fmt.Errorf("stop loss %q: %w", sel.StopLoss, err)
	}
	tp, err := tpF(symbol, p)
	if err != nil {
		return nil, fmt.Errorf("take profit %q: %w", sel.TakeProfit, err)
	}
	exit, err := exitF(symbol, p)
	if err != nil {
		return nil, fmt.Errorf("exit %q: %w", sel.Exit, err)
	}

	seen := map[string]bool{}
	var req []string
	for _, iv := range entry.RequiredIntervals() {
		if !seen[iv] {
			seen[iv] = true
			req = append(req, iv)
		}
	}
	for _, iv := range exit.RequiredIntervals() {
		if !seen[iv] {
			seen[iv] = true
			req = append(req, iv)
		}
	}
	sort.Strings(req)

	return &ModuleConfig{
		Entry:                  entry,
		StopLoss:               sl,
		TakeProfit:             tp,
		Exit:                   exit,
		AggregatedRequirements: req,
	}, nil
}
