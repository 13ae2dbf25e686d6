package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics. Registered on the default registry and served next to
// /healthz.
var (
	metricCandlesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ict_candles_ingested_total",
		Help: "Candles received from the market stream.",
	}, []string{"symbol", "interval"})

	metricQueueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ict_bus_dropped_total",
		Help: "Events dropped by queue overflow policy.",
	}, []string{"queue"})

	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ict_bus_depth",
		Help: "Current queue depth.",
	}, []string{"queue"})

	metricHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ict_handler_errors_total",
		Help: "Handler errors/panics caught at the bus.",
	}, []string{"queue"})

	metricSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ict_signals_total",
		Help: "Signals produced by strategies.",
	}, []string{"symbol", "kind"})

	metricOrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ict_orders_placed_total",
		Help: "Orders successfully placed at the venue.",
	}, []string{"symbol", "type"})

	metricOrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ict_orders_rejected_total",
		Help: "Orders rejected by the venue.",
	}, []string{"symbol"})

	metricRiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ict_risk_rejections_total",
		Help: "Signals rejected by the risk guard.",
	}, []string{"rule"})

	metricReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ict_ws_reconnects_total",
		Help: "Market/user stream reconnections.",
	}, []string{"stream"})

	metricOpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ict_open_positions",
		Help: "Open positions currently tracked.",
	})

	metricRequestWeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ict_rest_weight_minute",
		Help: "REST request weight used in the current minute window.",
	})
)
