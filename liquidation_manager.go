package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ict-engine/strategy"
)

// ============================================================================
// EMERGENCY LIQUIDATION MANAGER
// ============================================================================

// LiquidationState reports how the shutdown close-all went. Transitions are
// one-shot.
type LiquidationState string

const (
	LiquidationIdle       LiquidationState = "IDLE"
	LiquidationInProgress LiquidationState = "IN_PROGRESS"
	LiquidationCompleted  LiquidationState = "COMPLETED"
	LiquidationPartial    LiquidationState = "PARTIAL"
	LiquidationFailed     LiquidationState = "FAILED"
	LiquidationSkipped    LiquidationState = "SKIPPED"
	LiquidationTimedOut   LiquidationState = "TIMED_OUT"
)

const (
	liquidationCloseRetries = 3
	liquidationRetryWait    = 500 * time.Millisecond
)

// liquidationGateway is the venue surface the manager needs.
type liquidationGateway interface {
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	OpenPositions(ctx context.Context) ([]*strategy.Position, error)
	ClosePositionMarket(ctx context.Context, symbol string, side OrderSide, qty float64) error
}

// LiquidationReport is what the manager hands back regardless of outcome.
type LiquidationReport struct {
	State     LiquidationState
	Closed    []string
	StillOpen []string
	Err       string
}

// LiquidationManager performs the bounded emergency close-all during
// shutdown: cancel every open order, query positions, market-close each
// non-flat one — all inside one time budget. It is idempotent: a second
// invocation returns the first report.
type LiquidationManager struct {
	gateway  liquidationGateway
	symbols  []string
	budget   time.Duration
	enabled  bool
	audit    *AuditLog
	notifier *NotificationService
	log      *zap.SugaredLogger

	mu     sync.Mutex
	state  LiquidationState
	report LiquidationReport
}

// NewLiquidationManager builds the manager.
func NewLiquidationManager(gateway liquidationGateway, symbols []string, budget time.Duration, enabled bool, audit *AuditLog, notifier *NotificationService, log *zap.SugaredLogger) *LiquidationManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LiquidationManager{
		gateway:  gateway,
		symbols:  symbols,
		budget:   budget,
		enabled:  enabled,
		audit:    audit,
		notifier: notifier,
		log:      log,
		state:    LiquidationIdle,
	}
}

// Report returns the recorded report (zero value before Run).
func (lm *LiquidationManager) Report() LiquidationReport {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.report
}

// State returns the current one-shot state.
func (lm *LiquidationManager) State() LiquidationState {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.state
}

// Run executes the liquidation inside its time budget and never hangs:
// past the budget it returns whatever report it has.
func (lm *LiquidationManager) Run(ctx context.Context) LiquidationReport {
	lm.mu.Lock()
	if lm.state != LiquidationIdle {
		report := lm.report
		lm.mu.Unlock()
		return report
	}
	if !lm.enabled {
		lm.state = LiquidationSkipped
		lm.report = LiquidationReport{State: LiquidationSkipped}
		report := lm.report
		lm.mu.Unlock()
		lm.audit.Event(AuditLiquidationSkipped, nil)
		return report
	}
	lm.state = LiquidationInProgress
	lm.mu.Unlock()

	lm.audit.Event(AuditLiquidationStarted, map[string]interface{}{
		"budget_seconds": lm.budget.Seconds(),
		"symbols":        len(lm.symbols),
	})
	lm.log.Infow("emergency liquidation started", "budget", lm.budget)

	budgetCtx, cancel := context.WithTimeout(ctx, lm.budget)
	defer cancel()

	report := lm.execute(budgetCtx)

	lm.mu.Lock()
	lm.state = report.State
	lm.report = report
	lm.mu.Unlock()

	lm.auditOutcome(report)
	lm.notifier.Notify("Liquidation " + string(report.State))
	return report
}

func (lm *LiquidationManager) execute(ctx context.Context) LiquidationReport {
	// 1. Cancel all open orders for every configured symbol, in parallel.
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range lm.symbols {
		symbol := symbol
		g.Go(func() error {
			if err := lm.gateway.CancelAllOpenOrders(gctx, symbol); err != nil {
				lm.log.Warnw("liquidation cancel-all failed", "symbol", symbol, "err", err)
			}
			return nil // best effort, never abort the group
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		return LiquidationReport{State: LiquidationTimedOut, Err: "budget exceeded during order cancellation"}
	}

	// 2. Query positions.
	positions, err := lm.gateway.OpenPositions(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return LiquidationReport{State: LiquidationTimedOut, Err: err.Error()}
		}
		return LiquidationReport{State: LiquidationFailed, Err: err.Error()}
	}
	if len(positions) == 0 {
		return LiquidationReport{State: LiquidationCompleted}
	}

	// 3. Market-close every non-flat position with bounded retries.
	var closed, stillOpen []string
	for _, pos := range positions {
		if ctx.Err() != nil {
			stillOpen = append(stillOpen, pos.Symbol)
			continue
		}
		if lm.closeWithRetry(ctx, pos) {
			closed = append(closed, pos.Symbol)
		} else {
			stillOpen = append(stillOpen, pos.Symbol)
		}
	}

	report := LiquidationReport{Closed: closed, StillOpen: stillOpen}
	switch {
	case ctx.Err() != nil && len(stillOpen) > 0:
		report.State = LiquidationTimedOut
		report.Err = "budget exceeded with positions still open"
	case len(stillOpen) == 0:
		report.State = LiquidationCompleted
	case len(closed) == 0:
		report.State = LiquidationFailed
	default:
		report.State = LiquidationPartial
	}
	return report
}

func (lm *LiquidationManager) closeWithRetry(ctx context.Context, pos *strategy.Position) bool {
	closeSide := OrderSideSell
	if pos.Side == strategy.SideShort {
		closeSide = OrderSideBuy
	}
	for attempt := 1; attempt <= liquidationCloseRetries; attempt++ {
		err := lm.gateway.ClosePositionMarket(ctx, pos.Symbol, closeSide, pos.Quantity)
		if err == nil {
			lm.log.Infow("liquidation closed position", "symbol", pos.Symbol, "qty", pos.Quantity)
			return true
		}
		lm.log.Warnw("liquidation close failed", "symbol", pos.Symbol, "attempt", attempt, "err", err)
		if ctx.Err() != nil {
			return false
		}
		select {
		case <-time.After(liquidationRetryWait):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

func (lm *LiquidationManager) auditOutcome(report LiquidationReport) {
	fields := map[string]interface{}{
		"closed":     report.Closed,
		"still_open": report.StillOpen,
	}
	if report.Err != "" {
		fields["error"] = report.Err
	}
	switch report.State {
	case LiquidationCompleted:
		lm.audit.Event(AuditLiquidationCompleted, fields)
	case LiquidationPartial:
		lm.audit.Event(AuditLiquidationPartial, fields)
	case LiquidationFailed:
		lm.audit.Event(AuditLiquidationFailed, fields)
	case LiquidationTimedOut:
		lm.audit.Event(AuditLiquidationTimedOut, fields)
	}
}
