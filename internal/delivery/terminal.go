package delivery

import (
	"errors"

	"github.com/cis-datafabric/sensor-ingest/internal/envelope"
	"github.com/cis-datafabric/sensor-ingest/internal/normalizer"
	"github.com/cis-datafabric/sensor-ingest/internal/sink"
)

// Failure reasons reported to dead-letter queues and metrics.
const (
	ReasonDecode      = "decode"
	ReasonRejected    = "rejected"
	ReasonUnstorable  = "unstorable"
	ReasonSinkFailure = "sink_failure"
	ReasonUnknown     = "unknown"
)

// IsTerminal reports whether err can never succeed on redelivery: the
// envelope could not be decoded, its payload is not a valid batch, or the
// store rejects the record content.
func IsTerminal(err error) bool {
	var nerr *normalizer.Error
	return errors.Is(err, envelope.ErrDecode) || errors.As(err, &nerr) || errors.Is(err, sink.ErrUnstorable)
}

// Reason classifies err for dead-lettering.
func Reason(err error) string {
	var nerr *normalizer.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, envelope.ErrDecode):
		return ReasonDecode
	case errors.As(err, &nerr):
		return ReasonRejected
	case errors.Is(err, sink.ErrUnstorable):
		return ReasonUnstorable
	case errors.Is(err, sink.ErrSinkFailure):
		return ReasonSinkFailure
	default:
		return ReasonUnknown
	}
}
