package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/busgate/internal/bus"
	"github.com/gaspardpetit/busgate/internal/config"
	"github.com/gaspardpetit/busgate/internal/metrics"
	"github.com/gaspardpetit/busgate/internal/serverstate"
)

// New constructs the HTTP handler for the server. /healthz and, when metrics
// share the main port, /metrics are reserved; every other path is an
// exchange.
func New(cfg config.ServerConfig, b bus.Bus) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range MiddlewareChain(cfg.ChannelParam) {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(serverstate.GetState()))
	})
	if cfg.MetricsOnMainPort() {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	r.Handle("/*", &ExchangeHandler{
		Bus:          b,
		ChannelParam: cfg.ChannelParam,
		IdleTimeout:  cfg.IdleTimeout,
	})
	return r
}
