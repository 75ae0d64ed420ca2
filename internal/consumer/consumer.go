// Package consumer runs the asynchronous path: it pulls telemetry envelopes
// from a broker, hands them to the delivery controller and settles each
// message with the broker according to the outcome.
package consumer

import (
	"context"

	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
	"github.com/cis-datafabric/sensor-ingest/internal/middleware"
)

// Consumer runs until ctx is cancelled.
type Consumer interface {
	Run(ctx context.Context) error
}

// EnvelopeHandler processes one envelope; nil means acknowledge.
// *delivery.Controller satisfies it.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, data []byte) error
}

// handlerFor adapts h to a messaging.MessageHandler. A producer-supplied
// request ID header is carried into the context for log correlation.
func handlerFor(h EnvelopeHandler) messaging.MessageHandler {
	return func(ctx context.Context, msg *messaging.Message) error {
		if id := msg.Metadata[middleware.RequestIDHeader]; id != "" {
			ctx = middleware.WithRequestID(ctx, id)
		}
		return h.HandleEnvelope(ctx, msg.Data)
	}
}
