// Package dlq records queue messages that will not be retried.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cis-datafabric/sensor-ingest/internal/delivery"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
	"github.com/cis-datafabric/sensor-ingest/internal/metrics"
)

// FailedMessage is the dead-letter record. Data is the original message
// body, byte for byte.
type FailedMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Transport string    `json:"transport"`
	Subject   string    `json:"subject"`
	Data      []byte    `json:"data"`
	Error     string    `json:"error"`
	Reason    string    `json:"reason"`
	Attempts  uint64    `json:"attempts"`
}

// Queue publishes FailedMessages through a messaging.Publisher.
type Queue struct {
	pub       messaging.Publisher
	transport string
	subject   func(reason string) string
	logger    *logging.Logger
	now       func() time.Time
	written   atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithSubject overrides the destination for each reason. The default is
// messaging.DeadLetterSubject.
func WithSubject(fn func(reason string) string) Option {
	return func(q *Queue) {
		q.subject = fn
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// New returns a Queue for messages consumed from transport.
func New(pub messaging.Publisher, transport string, opts ...Option) *Queue {
	q := &Queue{
		pub:       pub,
		transport: transport,
		subject:   messaging.DeadLetterSubject,
		logger:    logging.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Write dead-letters msg, which failed with err. The reason is derived
// from err.
func (q *Queue) Write(ctx context.Context, msg *messaging.Message, err error) error {
	reason := delivery.Reason(err)
	failed := FailedMessage{
		Timestamp: q.now().UTC(),
		Transport: q.transport,
		Subject:   msg.Subject,
		Data:      msg.Data,
		Reason:    reason,
		Attempts:  msg.NumDelivered,
	}
	if err != nil {
		failed.Error = err.Error()
	}

	data, marshalErr := json.Marshal(failed)
	if marshalErr != nil {
		return fmt.Errorf("marshal dlq entry: %w", marshalErr)
	}

	subject := q.subject(reason)
	if pubErr := q.pub.Publish(ctx, subject, data); pubErr != nil {
		return fmt.Errorf("publish dlq entry to %s: %w", subject, pubErr)
	}

	q.written.Add(1)
	metrics.DeadLettered.WithLabelValues(reason).Inc()
	q.logger.WarnContext(ctx, "message dead-lettered",
		logging.Transport(q.transport), "subject", subject, "reason", reason, "attempts", msg.NumDelivered)
	return nil
}

// Written returns the number of entries written by this process.
func (q *Queue) Written() uint64 {
	return q.written.Load()
}
