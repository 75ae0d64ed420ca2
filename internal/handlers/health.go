package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/cis-datafabric/sensor-ingest/internal/httputil"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	deps    map[string]Pinger
	timeout time.Duration
}

// NewHealthHandler checks deps, keyed by name, on every readiness probe.
func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps, timeout: 2 * time.Second}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready pings every dependency and answers 503 if any fails.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.deps))
	status, code := "ready", http.StatusOK
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "not ready", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	httputil.WriteJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}
