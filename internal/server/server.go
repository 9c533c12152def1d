// Package server assembles the HTTP surface of genpool.
package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/genpool/internal/api"
	"github.com/gaspardpetit/genpool/internal/config"
	"github.com/gaspardpetit/genpool/internal/ctrlsrv"
)

// WorkerPath is where generation workers open their control connection.
const WorkerPath = "/api/workers/connect"

// New constructs the HTTP handler for the server. Metrics are served on the
// main listener only when cfg.MetricsAddr points at the server port; preg may
// be nil when metrics are not wanted at all.
func New(cfg config.ServerConfig, h *api.Handler, workers *ctrlsrv.Registry, preg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	if workers != nil {
		r.Get(WorkerPath, ctrlsrv.WSHandler(workers, h.State, cfg.WorkerKey))
	}
	r.Get("/status", StatusPageHandler())
	if preg != nil && cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", MetricsHandler(preg))
	}
	r.Mount("/", api.NewRouter(h, cfg.APIKey))
	return r
}

// MetricsHandler exposes preg in the Prometheus text format.
func MetricsHandler(preg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(preg, promhttp.HandlerOpts{})
}
