package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StartHealthServer serves /healthz, /ping and prometheus /metrics on the
// configured address. Runs in its own goroutine; failures are logged, not
// fatal.
func StartHealthServer(addr string, engine *Engine, log *zap.SugaredLogger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if engine.State() == EngineRunning {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(string(engine.State())))
	})

	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"state":       string(engine.State()),
			"server_time": time.Now().UnixMilli(),
			"timestamp":   time.Now().Format(time.RFC3339),
		})
	})

	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Infow("health server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warnw("health server exited", "err", err)
		}
	}()
}
