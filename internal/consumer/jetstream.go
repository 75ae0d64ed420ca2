package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/cis-datafabric/sensor-ingest/internal/delivery"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging/nats"
)

// JetStreamConfig selects the durable consumer.
type JetStreamConfig struct {
	Consumer nats.ConsumerConfig
	NakDelay time.Duration
}

// JetStream consumes the TELEMETRY stream.
type JetStream struct {
	js         *nats.JetStreamClient
	handler    EnvelopeHandler
	deadLetter messaging.DeadLetterFunc
	cfg        JetStreamConfig
	logger     *logging.Logger
}

// NewJetStream returns a consumer. deadLetter may be nil, in which case
// failed messages are redelivered indefinitely.
func NewJetStream(js *nats.JetStreamClient, h EnvelopeHandler, deadLetter messaging.DeadLetterFunc, cfg JetStreamConfig, logger *logging.Logger) *JetStream {
	if logger == nil {
		logger = logging.Default()
	}
	return &JetStream{
		js:         js,
		handler:    h,
		deadLetter: deadLetter,
		cfg:        cfg,
		logger:     logger.With("component", "consumer", logging.Transport("nats")),
	}
}

// Run creates the stream and durable consumer, then consumes until ctx is
// done.
func (c *JetStream) Run(ctx context.Context) error {
	if _, err := c.js.CreateOrUpdateStream(ctx, nats.TelemetryStream); err != nil {
		return err
	}
	if _, err := c.js.CreateOrUpdateConsumer(ctx, nats.TelemetryStream.Name, c.cfg.Consumer); err != nil {
		return err
	}

	stop, err := c.js.ConsumeMessages(ctx, nats.TelemetryStream.Name, c.cfg.Consumer.Name, handlerFor(c.handler), nats.ConsumeOptions{
		MaxAttempts: c.cfg.Consumer.MaxDeliver,
		NakDelay:    c.cfg.NakDelay,
		Terminal:    delivery.IsTerminal,
		DeadLetter:  c.deadLetter,
		Logger:      c.logger,
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", nats.TelemetryStream.Name, err)
	}

	c.logger.Info("jetstream consumer started",
		"stream", nats.TelemetryStream.Name,
		"consumer", c.cfg.Consumer.Name,
		"max_deliver", c.cfg.Consumer.MaxDeliver,
	)

	<-ctx.Done()
	stop()
	c.logger.Info("jetstream consumer stopped")
	return nil
}
