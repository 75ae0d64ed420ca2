package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging/nats"
)

// JetStreamQueue is a Queue backed by the TELEMETRY_DLQ stream, with
// inspection helpers.
type JetStreamQueue struct {
	*Queue
	stream jetstream.Stream
	logger *logging.Logger
}

// NewJetStreamQueue creates or updates the dead-letter stream.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *logging.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.TelemetryDLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("DLQ stream ready", "stream", nats.TelemetryDLQStream.Name)

	return &JetStreamQueue{
		Queue:  New(js, "nats", WithLogger(logger)),
		stream: stream,
		logger: logger,
	}, nil
}

// Stats describes the dead-letter stream.
type Stats struct {
	WrittenLocal  uint64 `json:"written_local"`
	TotalMessages uint64 `json:"total_messages"`
	TotalBytes    uint64 `json:"total_bytes"`
	FirstSeq      uint64 `json:"first_seq"`
	LastSeq       uint64 `json:"last_seq"`
	Consumers     int    `json:"consumer_count"`
}

func (q *JetStreamQueue) Stats(ctx context.Context) (Stats, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return Stats{WrittenLocal: q.Written()}, fmt.Errorf("dlq stream info: %w", err)
	}
	return Stats{
		WrittenLocal:  q.Written(),
		TotalMessages: info.State.Msgs,
		TotalBytes:    info.State.Bytes,
		FirstSeq:      info.State.FirstSeq,
		LastSeq:       info.State.LastSeq,
		Consumers:     info.State.Consumers,
	}, nil
}

// List returns up to limit dead-lettered messages, oldest first.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messaging.SubjectTelemetryDLQ + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var out []FailedMessage
	for msg := range msgs.Messages() {
		var failed FailedMessage
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			q.logger.Error("failed to parse DLQ message", "subject", msg.Subject(), logging.Error(err))
			continue
		}
		out = append(out, failed)
	}

	if err := msgs.Error(); err != nil {
		q.logger.Warn("DLQ fetch completed with error", logging.Error(err))
	}
	return out, nil
}

// Purge removes every message from the dead-letter stream.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	q.logger.Info("DLQ purged")
	return nil
}
