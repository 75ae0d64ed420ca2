package server

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cis-datafabric/sensor-ingest/internal/config"
	"github.com/cis-datafabric/sensor-ingest/internal/handlers"
	"github.com/cis-datafabric/sensor-ingest/internal/middleware"
)

// NewRouter constructs a ServeMux with the ingestion routes registered.
// /pubsub/push is mounted only when pushEnabled is set.
func NewRouter(ingest *handlers.IngestHandler, health *handlers.HealthHandler, pushEnabled bool) http.Handler {
	mux := http.NewServeMux()

	// Synchronous relational path
	mux.HandleFunc("/ingest", ingest.Ingest)

	// Push subscription webhook for the analytical path
	if pushEnabled {
		mux.HandleFunc("/pubsub/push", ingest.Push)
	}

	// Health endpoints
	mux.HandleFunc("/healthz", health.Health)
	mux.HandleFunc("/readyz", health.Ready)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}

// New returns an http.Server for handler using the configured timeouts.
func New(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
