package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
)

// JetStreamClient extends Client with durable streams and consumers.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name      string
	Subjects  []string
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
	Retention jetstream.RetentionPolicy
	Discard   jetstream.DiscardPolicy
	Storage   jetstream.StorageType
}

// ConsumerConfig defines a durable pull consumer.
type ConsumerConfig struct {
	Name          string
	FilterSubject string

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration

	// MaxDeliver bounds delivery attempts; the last failed attempt is
	// dead-lettered. It is enforced by ConsumeMessages, not the server: the
	// server consumer redelivers without limit so that a message whose
	// dead-letter write failed is still delivered again.
	MaxDeliver int

	MaxAckPending int
}

// DefaultConsumerConfig returns defaults for a telemetry consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 100,
	}
}

var (
	// TelemetryStream holds envelopes waiting for the analytical sink. Each
	// message is removed once acknowledged. There is no MaxAge, and a full
	// stream rejects new publishes instead of discarding stored messages.
	TelemetryStream = StreamConfig{
		Name:      "TELEMETRY",
		Subjects:  []string{"telemetry.ingest.>"},
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   1000000,
		Retention: jetstream.WorkQueuePolicy,
		Discard:   jetstream.DiscardNew,
		Storage:   jetstream.FileStorage,
	}

	// TelemetryDLQStream keeps dead-lettered messages for inspection.
	TelemetryDLQStream = StreamConfig{
		Name:      "TELEMETRY_DLQ",
		Subjects:  []string{messaging.SubjectTelemetryDLQ + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  512 * 1024 * 1024, // 512MB
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)

// NewJetStreamClient connects and opens a JetStream context.
func NewJetStreamClient(cfg Config, logger *logging.Logger) (*JetStreamClient, error) {
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Discard:   cfg.Discard,
		Storage:   cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable consumer with
// explicit acks.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// Publish stores data in the stream bound to subject and waits for the
// server acknowledgment.
func (c *JetStreamClient) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.PublishSync(ctx, subject, data)
	return err
}

// PublishSync publishes and returns the server acknowledgment.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	return c.js.Publish(ctx, subject, data)
}

// Stream looks up a stream by name.
func (c *JetStreamClient) Stream(ctx context.Context, name string) (jetstream.Stream, error) {
	return c.js.Stream(ctx, name)
}

// ConsumeOptions controls failure handling in ConsumeMessages.
type ConsumeOptions struct {
	// MaxAttempts is the delivery attempt at which a failing message is
	// dead-lettered. Non-positive retries forever.
	MaxAttempts int

	// NakDelay is the redelivery delay after a failed attempt.
	NakDelay time.Duration

	// Terminal reports errors that will fail on every attempt.
	Terminal func(error) bool

	// DeadLetter stores a message that will not be retried. When nil, or
	// when it fails, the message is nak'ed and delivered again.
	DeadLetter messaging.DeadLetterFunc

	Logger *logging.Logger
}

// Settler is the part of jetstream.Msg used to settle a delivery.
type Settler interface {
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// ConsumeMessages consumes from a durable consumer until the returned stop
// function is called.
func (c *JetStreamClient) ConsumeMessages(ctx context.Context, streamName, consumerName string, handler messaging.MessageHandler, opts ConsumeOptions) (func(), error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.Consumer(ctx, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", consumerName, err)
	}

	if opts.Logger == nil {
		opts.Logger = c.logger
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		m := fromJetStream(msg)
		Settle(consumeCtx, msg, m, handler(consumeCtx, m), opts)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return func() {
		cancel()
		cons.Stop()
	}, nil
}

// Settle acks, naks or terminates one delivery of m after the handler
// returned herr, and returns the action taken. A message is terminated only
// after its dead-letter write succeeded.
func Settle(ctx context.Context, s Settler, m *messaging.Message, herr error, opts ConsumeOptions) messaging.Action {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	nakDelay := opts.NakDelay
	if nakDelay <= 0 {
		nakDelay = 5 * time.Second
	}

	action := messaging.Settle(herr, m.NumDelivered, opts.MaxAttempts, opts.Terminal)

	if action == messaging.ActionDeadLetter {
		if opts.DeadLetter == nil {
			action = messaging.ActionRetry
		} else if dlErr := opts.DeadLetter(ctx, m, herr); dlErr != nil {
			logger.Error("dead-letter publish failed, message will be redelivered",
				"subject", m.Subject, "delivered", m.NumDelivered, logging.Error(dlErr))
			action = messaging.ActionRetry
		}
	}

	switch action {
	case messaging.ActionAck:
		_ = s.Ack()
	case messaging.ActionDeadLetter:
		logger.Warn("message dead-lettered",
			"subject", m.Subject, "delivered", m.NumDelivered, logging.Error(herr))
		_ = s.Term()
	default:
		logger.Warn("message nak'ed for redelivery",
			"subject", m.Subject, "delivered", m.NumDelivered, "max_attempts", opts.MaxAttempts, logging.Error(herr))
		_ = s.NakWithDelay(nakDelay)
	}
	return action
}

func fromJetStream(msg jetstream.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject:      msg.Subject(),
		Data:         msg.Data(),
		Timestamp:    time.Now(),
		NumDelivered: 1,
	}

	if md, err := msg.Metadata(); err == nil {
		m.Timestamp = md.Timestamp
		m.NumDelivered = md.NumDelivered
	}

	if headers := msg.Headers(); headers != nil {
		m.Metadata = make(map[string]string)
		for k := range headers {
			m.Metadata[k] = headers.Get(k)
		}
	}

	return m
}
