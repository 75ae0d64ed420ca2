package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/cis-datafabric/sensor-ingest/internal/delivery"
	"github.com/cis-datafabric/sensor-ingest/internal/httputil"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/ratelimit"
)

// IngestResponse is the body returned for an acknowledged message.
type IngestResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// IngestHandler serves the synchronous path into the relational sink and
// the push-subscription webhook into the analytical sink.
type IngestHandler struct {
	relational   *delivery.Controller
	analytical   *delivery.Controller
	limiter      ratelimit.RateLimiter
	trusted      httputil.TrustedProxies
	maxBodyBytes int64
	logger       *logging.Logger
}

// NewIngestHandler wires the controllers. analytical may be nil when the
// push endpoint is disabled; limiter may be nil to disable rate limiting.
func NewIngestHandler(relational, analytical *delivery.Controller, limiter ratelimit.RateLimiter, maxBodyBytes int64, logger *logging.Logger) *IngestHandler {
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &IngestHandler{
		relational:   relational,
		analytical:   analytical,
		limiter:      limiter,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// TrustProxies sets the peers whose X-Forwarded-For and X-Real-IP headers
// name the client for rate limiting. With none, the direct peer is used.
func (h *IngestHandler) TrustProxies(trusted httputil.TrustedProxies) {
	h.trusted = trusted
}

// Ingest handles POST /ingest: one JSON object or an array of objects,
// persisted in one transaction.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, ok := h.admit(w, r)
	if !ok {
		return
	}
	h.respond(w, r, h.relational.Deliver(r.Context(), body))
}

// Push handles POST /pubsub/push. Any non-2xx response makes the publisher
// redeliver the message.
func (h *IngestHandler) Push(w http.ResponseWriter, r *http.Request) {
	body, ok := h.admit(w, r)
	if !ok {
		return
	}
	h.respond(w, r, h.analytical.DeliverEnvelope(r.Context(), body))
}

// admit enforces method, rate limit and body size, and returns the body.
func (h *IngestHandler) admit(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, false
	}

	ctx := r.Context()
	clientIP := httputil.ClientIP(r, h.trusted)

	allowed, err := h.limiter.Allow(ctx, clientIP)
	if err != nil {
		// fail open: a limiter outage must not block ingestion
		h.logger.WarnContext(ctx, "rate limit check failed", logging.Error(err))
	} else if !allowed {
		httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return nil, false
	}

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}

	return body, true
}

func (h *IngestHandler) respond(w http.ResponseWriter, r *http.Request, res delivery.Result) {
	switch res.Outcome {
	case delivery.Acknowledged:
		httputil.WriteJSON(w, http.StatusOK, IngestResponse{Status: "success", Count: res.Count})
	case delivery.RejectedClientError:
		httputil.WriteError(w, http.StatusBadRequest, res.Err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, res.Err.Error())
	}
}
