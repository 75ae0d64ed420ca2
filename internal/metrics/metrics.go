package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Inbound messages by entry path and delivery outcome
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_ingest_messages_total",
			Help: "Total number of inbound messages by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	MessageBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_ingest_message_bytes_total",
			Help: "Total bytes of inbound message bodies",
		},
		[]string{"transport"},
	)

	// Normalization metrics
	NormalizationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_ingest_normalization_errors_total",
			Help: "Total number of rejected message bodies by failure kind",
		},
		[]string{"kind"},
	)

	EnvelopeDecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_ingest_envelope_decode_errors_total",
			Help: "Total number of queue envelopes that could not be decoded",
		},
		[]string{"transport"},
	)

	// Records persisted, by sink. The producer tag is free-form client input
	// and is never used as a label.
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_ingest_records_total",
			Help: "Total number of normalized records persisted",
		},
		[]string{"sink"},
	)

	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensor_ingest_batch_size",
			Help:    "Number of records per persisted batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"sink"},
	)

	// Storage metrics
	PersistDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensor_ingest_persist_duration_seconds",
			Help:    "Duration of sink persist calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_ingest_persist_failures_total",
			Help: "Total number of batches a sink failed to persist",
		},
		[]string{"sink"},
	)

	RowErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_ingest_row_errors_total",
			Help: "Total number of per-record errors reported by sinks",
		},
		[]string{"sink"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensor_ingest_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// Dead-letter metrics
	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensor_ingest_dead_lettered_total",
			Help: "Total number of queue messages moved to the dead-letter subject",
		},
		[]string{"reason"},
	)
)
