package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"

	"ict-engine/config"
	"ict-engine/strategy"
)

// Exit codes.
const (
	exitOK           = 0
	exitFatalInit    = 1
	exitRuntimeError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitFatalInit
	}

	log, err := NewLogger(cfg.LogDir, os.Getenv("ICT_DEBUG") != "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		return exitFatalInit
	}
	defer log.Sync()

	audit, err := NewAuditLog(cfg.AuditDir)
	if err != nil {
		log.Errorw("audit log init failed", "err", err)
		return exitFatalInit
	}
	defer audit.Close()

	log.Infow("engine starting",
		"symbols", cfg.Symbols, "testnet", cfg.UseTestnet,
		"max_positions", cfg.MaxPositions, "cooldown_s", cfg.SignalCooldownSeconds)

	// Venue client. Testnet is a package-level switch in the client
	// library.
	if cfg.UseTestnet {
		futures.UseTestnet = true
		log.Infow("using venue futures TESTNET")
	}
	client := binance.NewFuturesClient(cfg.BinanceAPIKey, cfg.BinanceAPISecret)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Validate credentials before anything touches live state.
	if err := validateCredentials(ctx, client, log); err != nil {
		log.Errorw("credential validation failed", "err", err)
		return exitFatalInit
	}

	notifier := NewNotificationService(log)
	gateway := NewOrderGateway(client, audit, log)

	// Venue setup: precision grids, one-way mode, per-symbol margin and
	// leverage. Grid data is mandatory; the rest tolerates "already set".
	if err := gateway.FetchExchangeInfo(ctx); err != nil {
		log.Errorw("exchange info fetch failed", "err", err)
		return exitFatalInit
	}
	if err := gateway.SetOneWayMode(ctx); err != nil {
		log.Warnw("position mode setup", "err", err)
	}
	for _, symbol := range cfg.Symbols {
		if err := gateway.SetMarginType(ctx, symbol, cfg.MarginType); err != nil {
			log.Warnw("margin type setup failed", "symbol", symbol, "err", err)
		}
		if err := gateway.SetLeverage(ctx, symbol, cfg.LeverageFor(symbol)); err != nil {
			log.Warnw("leverage setup failed", "symbol", symbol, "err", err)
		}
	}

	risk := NewRiskGuard(cfg, audit, log)
	if balance, err := gateway.AccountBalance(ctx); err != nil {
		log.Warnw("starting balance fetch failed, drawdown rule starts blind", "err", err)
	} else {
		risk.SetStartingEquity(balance)
		log.Infow("starting equity", "usdt", balance)
	}

	// Per-symbol strategies: fresh determiner instances per symbol, no
	// shared mutable state.
	strategies, err := buildStrategies(cfg, log)
	if err != nil {
		log.Errorw("strategy assembly failed", "err", err)
		return exitFatalInit
	}

	cache := NewPositionCache(DefaultPositionTTL, gateway.GetPosition, log)
	bus := NewEventBus(log, audit)
	coordinator := NewTradeCoordinator(cfg, gateway, risk, cache, audit, notifier, log)
	dispatcher := NewDispatcher(strategies, cache, gateway, bus.Publish, cfg.Cooldown(), log)

	bus.Subscribe(EventCandleUpdate, dispatcher.HandleCandle)
	bus.Subscribe(EventCandleClosed, dispatcher.HandleCandle)
	bus.Subscribe(EventSignal, coordinator.HandleSignal)
	bus.Subscribe(EventOrderFilled, coordinator.HandleOrderEvent)
	bus.Subscribe(EventOrderPartial, coordinator.HandleOrderEvent)
	bus.Subscribe(EventOrderCancelled, coordinator.HandleOrderEvent)
	bus.Subscribe(EventPositionUpdate, coordinator.HandlePositionUpdate)

	engine := NewEngine(log)

	// The market stream callback runs on connection reader goroutines: it
	// waits (bounded, once) for the engine's readiness signal, then only
	// hands candles to the bus.
	var readyOnce sync.Once
	var readyErr error
	callback := func(c strategy.Candle) {
		readyOnce.Do(func() { readyErr = engine.WaitReady(readinessWait) })
		if readyErr != nil {
			return
		}
		tag := EventCandleUpdate
		if c.IsClosed {
			tag = EventCandleClosed
		}
		bus.Publish(Event{Tag: tag, Payload: c}, QueueData)
	}

	intervals := make(map[string][]string, len(strategies))
	for symbol, st := range strategies {
		intervals[symbol] = st.Requirements()
	}
	ingester := NewMarketIngester(intervals, gateway, callback, cfg.UseTestnet, log)

	userStream := NewUserStream(client, cfg.UseTestnet, func(ev Event) bool {
		return bus.Publish(ev, QueueOrder)
	}, log)

	liquidation := NewLiquidationManager(gateway, cfg.Symbols, cfg.LiquidationBudget(), cfg.EmergencyLiquidation, audit, notifier, log)

	if err := engine.SetComponents(bus, ingester, userStream, liquidation, audit); err != nil {
		log.Errorw("engine init failed", "err", err)
		return exitFatalInit
	}

	// Warm-up: backfill each strategy's own declared intervals.
	if err := ingester.Backfill(ctx, strategies, 200); err != nil {
		log.Errorw("backfill failed", "err", err)
		return exitFatalInit
	}

	StartHealthServer(cfg.ListenAddr, engine, log)
	notifier.StartCommandListener(func() string {
		return fmt.Sprintf("State: %s\nOpen positions: %d\nRealized today: %.2f USDT\nQueue drops: %d",
			engine.State(), cache.OpenCount(), risk.RealizedToday(), bus.DroppedCount())
	})
	notifier.Notify("Engine started on " + strings.Join(cfg.Symbols, ", "))

	// Interrupt -> ordered shutdown with emergency liquidation.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Infow("shutdown signal received", "signal", s.String())
		engine.Stop()
	}()

	report, err := engine.Run(ctx)
	notifier.Notify("Engine stopped. Liquidation: " + string(report.State))
	log.Infow("engine exited", "liquidation", string(report.State), "still_open", report.StillOpen)

	if err != nil {
		log.Errorw("shutdown completed with error", "err", err)
		return exitRuntimeError
	}
	return exitOK
}

// buildStrategies assembles one composable strategy per configured symbol.
func buildStrategies(cfg *config.Config, log *zap.SugaredLogger) (map[string]strategy.Strategy, error) {
	out := make(map[string]strategy.Strategy, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		sel := cfg.StrategyModules[symbol]
		params := strategy.Params{}
		for k, v := range sel.Params {
			params[k] = v
		}
		// Global kill zones apply unless the symbol overrides them.
		if _, ok := params["killzones"]; !ok && len(cfg.KillZones) > 0 {
			params["killzones"] = cfg.KillZones
		}
		modules, err := strategy.Assemble(symbol, strategy.Selection{
			Entry:      sel.Entry,
			StopLoss:   sel.StopLoss,
			TakeProfit: sel.TakeProfit,
			Exit:       sel.Exit,
			Params:     params,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		out[symbol] = strategy.NewComposable(symbol, modules, cfg.MinRR(symbol), log)
		log.Infow("strategy assembled",
			"symbol", symbol, "entry", sel.Entry, "sl", sel.StopLoss,
			"tp", sel.TakeProfit, "exit", sel.Exit,
			"intervals", modules.AggregatedRequirements)
	}
	return out, nil
}

// validateCredentials makes one lightweight signed call so bad keys fail
// the boot instead of the first live order.
func validateCredentials(ctx context.Context, client *futures.Client, log *zap.SugaredLogger) error {
	probeCtx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	_, err := client.NewGetAccountService().Do(probeCtx)
	if err == nil {
		log.Infow("credential probe ok")
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "-2014") || strings.Contains(msg, "-2015") {
		return fmt.Errorf("venue rejected API key: %w", err)
	}
	if strings.Contains(msg, "-1021") {
		return fmt.Errorf("local clock outside venue recvWindow: %w", err)
	}
	// Transient connectivity at boot is survivable; warn and continue.
	log.Warnw("credential probe inconclusive", "err", err)
	return nil
}
