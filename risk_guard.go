package main

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"ict-engine/config"
	"ict-engine/strategy"
)

// Risk rule names, reported on rejection audits.
const (
	RuleExistingPosition = "existing_position"
	RuleMaxPositions     = "max_positions"
	RuleWhitelist        = "whitelist"
	RuleGeometry         = "tp_sl_geometry"
	RuleDailyDrawdown    = "daily_drawdown"
	RulePriceDeviation   = "price_deviation"
	RuleQuantity         = "quantity"
)

// RiskError is a validation failure carrying the failing rule name.
type RiskError struct {
	Rule   string
	Reason string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk rule %s: %s", e.Rule, e.Reason)
}

// RiskGuard validates signals against the risk policy and sizes entries.
// Mostly stateless; the only state is the realized-PnL-today tracker for
// the drawdown rule.
type RiskGuard struct {
	cfg   *config.Config
	audit *AuditLog
	log   *zap.SugaredLogger

	whitelist map[string]bool

	mu             sync.Mutex
	realizedToday  float64
	startingEquity float64
	day            string

	now func() time.Time
}

// NewRiskGuard builds the guard over the configured universe.
func NewRiskGuard(cfg *config.Config, audit *AuditLog, log *zap.SugaredLogger) *RiskGuard {
	wl := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		wl[s] = true
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RiskGuard{
		cfg:       cfg,
		audit:     audit,
		log:       log,
		whitelist: wl,
		now:       time.Now,
	}
}

// SetStartingEquity seeds the drawdown baseline (fetched at startup).
func (g *RiskGuard) SetStartingEquity(eq float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startingEquity = eq
	g.day = g.now().UTC().Format("2006-01-02")
}

// RecordRealized adds a realized PnL figure to today's tally. The tally
// resets when the UTC day rolls over.
func (g *RiskGuard) RecordRealized(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()
	g.realizedToday += pnl
}

// RealizedToday returns the running realized PnL for the UTC day.
func (g *RiskGuard) RealizedToday() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()
	return g.realizedToday
}

func (g *RiskGuard) rollDayLocked() {
	day := g.now().UTC().Format("2006-01-02")
	if day != g.day {
		g.day = day
		g.realizedToday = 0
	}
}

// Validate runs every rule; all must pass. Every decision — pass or fail —
// is audited with the full signal snapshot; failures name the rule.
func (g *RiskGuard) Validate(sig *strategy.Signal, current *strategy.Position, openCount int, lastMark float64) error {
	err := g.validate(sig, current, openCount, lastMark)
	fields := signalFields(sig)
	if err != nil {
		re, ok := err.(*RiskError)
		if !ok {
			re = &RiskError{Rule: "internal", Reason: err.Error()}
		}
		fields["rule"] = re.Rule
		fields["reason"] = re.Reason
		metricRiskRejections.WithLabelValues(re.Rule).Inc()
		g.audit.Event(AuditRiskRejection, fields)
		g.log.Infow("signal rejected", "symbol", sig.Symbol, "rule", re.Rule, "reason", re.Reason)
		return re
	}
	fields["result"] = "pass"
	g.audit.Event(AuditRiskValidation, fields)
	return nil
}

func (g *RiskGuard) validate(sig *strategy.Signal, current *strategy.Position, openCount int, lastMark float64) error {
	if !g.whitelist[sig.Symbol] {
		return &RiskError{Rule: RuleWhitelist, Reason: fmt.Sprintf("%s not in configured universe", sig.Symbol)}
	}

	if sig.Kind.IsEntry() {
		if !current.IsFlat() {
			return &RiskError{Rule: RuleExistingPosition, Reason: fmt.Sprintf("position already open (%s %.8f)", current.Side, current.Quantity)}
		}
		if openCount >= g.cfg.MaxPositions {
			return &RiskError{Rule: RuleMaxPositions, Reason: fmt.Sprintf("open positions %d >= limit %d", openCount, g.cfg.MaxPositions)}
		}
		if err := sig.ValidateGeometry(); err != nil {
			return &RiskError{Rule: RuleGeometry, Reason: err.Error()}
		}
		if lastMark > 0 {
			dev := math.Abs(sig.EntryPrice-lastMark) / lastMark
			if dev >= g.cfg.MaxPriceDeviation {
				return &RiskError{Rule: RulePriceDeviation, Reason: fmt.Sprintf("entry %.8f deviates %.4f%% from mark %.8f", sig.EntryPrice, dev*100, lastMark)}
			}
		}

		g.mu.Lock()
		realized, equity := g.realizedToday, g.startingEquity
		g.mu.Unlock()
		if equity > 0 && realized <= -g.cfg.MaxDailyLossPct*equity {
			return &RiskError{Rule: RuleDailyDrawdown, Reason: fmt.Sprintf("realized today %.2f breaches -%.1f%% of %.2f", realized, g.cfg.MaxDailyLossPct*100, equity)}
		}
		return nil
	}

	// Exit signals: only valid against a live position of the matching
	// side.
	if current.IsFlat() {
		return &RiskError{Rule: RuleExistingPosition, Reason: "exit signal with no open position"}
	}
	wantLong := sig.Kind == strategy.SignalExitLong
	if wantLong != (current.Side == strategy.SideLong) {
		return &RiskError{Rule: RuleExistingPosition, Reason: fmt.Sprintf("exit %s against %s position", sig.Kind, current.Side)}
	}
	return nil
}

// Size computes the entry quantity from the account balance:
//
//	risk_amount = balance * max_risk_per_trade
//	qty_raw     = risk_amount / (entry * sl_distance_pct) * leverage
//
// capped so notional never exceeds max_position_size_percent of balance.
func (g *RiskGuard) Size(sig *strategy.Signal, balance float64, leverage int) (float64, error) {
	if balance <= 0 {
		return 0, &RiskError{Rule: RuleQuantity, Reason: "non-positive account balance"}
	}
	slDist := math.Abs(sig.EntryPrice - sig.StopLoss)
	if slDist == 0 || sig.EntryPrice == 0 {
		return 0, &RiskError{Rule: RuleQuantity, Reason: "degenerate stop distance"}
	}
	if leverage < 1 {
		leverage = 1
	}

	riskAmount := balance * g.cfg.MaxRiskPerTrade
	slDistPct := slDist / sig.EntryPrice
	qty := riskAmount / (sig.EntryPrice * slDistPct) * float64(leverage)

	fields := signalFields(sig)
	fields["balance"] = balance
	fields["risk_amount"] = riskAmount
	fields["leverage"] = leverage
	fields["qty_raw"] = qty

	maxNotional := g.cfg.MaxPositionSizePercent * balance
	if qty*sig.EntryPrice > maxNotional {
		qty = maxNotional / sig.EntryPrice
		fields["qty_capped"] = qty
		fields["max_notional"] = maxNotional
		g.audit.Event(AuditPositionSizeCapped, fields)
		g.log.Infow("position size capped", "symbol", sig.Symbol, "qty", qty, "max_notional", maxNotional)
	} else {
		g.audit.Event(AuditPositionSize, fields)
	}

	if qty <= 0 {
		return 0, &RiskError{Rule: RuleQuantity, Reason: "computed quantity is zero"}
	}
	return qty, nil
}

func signalFields(sig *strategy.Signal) map[string]interface{} {
	return map[string]interface{}{
		"kind":        string(sig.Kind),
		"symbol":      sig.Symbol,
		"timestamp":   sig.Timestamp,
		"entry_price": sig.EntryPrice,
		"stop_loss":   sig.StopLoss,
		"take_profit": sig.TakeProfit,
		"quantity":    sig.Quantity,
		"strategy":    sig.Strategy,
		"risk_reward": sig.RiskReward,
		"exit_reason": sig.ExitReason,
	}
}
