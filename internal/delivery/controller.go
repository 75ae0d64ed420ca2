// Package delivery drives one inbound message through normalization,
// batching and persistence, and decides whether the message is consumed or
// must be redelivered. It never retries on its own: redelivery belongs to
// the transport, which translates a Result into its own signal.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/envelope"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/metrics"
	"github.com/cis-datafabric/sensor-ingest/internal/middleware"
	"github.com/cis-datafabric/sensor-ingest/internal/normalizer"
	"github.com/cis-datafabric/sensor-ingest/internal/sink"
)

// Outcome is the terminal state of one message.
type Outcome int

const (
	// Acknowledged: every record was persisted; the message is consumed.
	Acknowledged Outcome = iota
	// RejectedClientError: the body can never be processed, either because it
	// is not a valid batch or because the store rejects its content.
	RejectedClientError
	// Redeliver: persistence failed; the whole message must be processed again.
	Redeliver
)

func (o Outcome) String() string {
	switch o {
	case Acknowledged:
		return "acknowledged"
	case RejectedClientError:
		return "rejected"
	case Redeliver:
		return "redeliver"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what the controller hands back to a transport adapter.
type Result struct {
	Outcome Outcome
	// Count is the number of records persisted when Acknowledged.
	Count int
	// Err is set for every outcome except Acknowledged.
	Err error
}

// Controller processes messages for one sink. It holds no per-message state
// and is safe for concurrent use.
type Controller struct {
	sink        sink.Sink
	assembler   *batch.Assembler
	logger      *logging.Logger
	transport   string
	logPayloads bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for delivery decisions.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithTransport names the entry path in logs and metrics.
func WithTransport(name string) Option {
	return func(c *Controller) {
		c.transport = name
	}
}

// WithPayloadLogging logs every inbound body at info level.
func WithPayloadLogging(enabled bool) Option {
	return func(c *Controller) {
		c.logPayloads = enabled
	}
}

// New returns a Controller persisting into s.
func New(s sink.Sink, assembler *batch.Assembler, opts ...Option) *Controller {
	c := &Controller{
		sink:      s,
		assembler: assembler,
		logger:    logging.Default(),
		transport: "http",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.assembler == nil {
		c.assembler = batch.NewAssembler(nil)
	}
	return c
}

// Sink returns the sink the controller persists into.
func (c *Controller) Sink() sink.Sink {
	return c.sink
}

// Deliver processes one raw message body end to end.
func (c *Controller) Deliver(ctx context.Context, body []byte) Result {
	metrics.MessageBytesTotal.WithLabelValues(c.transport).Add(float64(len(body)))
	if c.logPayloads {
		c.logger.InfoContext(ctx, "received payload", logging.Transport(c.transport), "payload", string(body))
	}

	objs, err := normalizer.Normalize(body)
	if err != nil {
		var nerr *normalizer.Error
		if errors.As(err, &nerr) {
			metrics.NormalizationErrors.WithLabelValues(string(nerr.Kind)).Inc()
		}
		return c.finish(ctx, Result{Outcome: RejectedClientError, Err: err})
	}

	b := c.assembler.Assemble(c.sink.Kind(), objs)

	if err := c.persist(ctx, b); err != nil {
		if errors.Is(err, sink.ErrUnstorable) {
			return c.finish(ctx, Result{Outcome: RejectedClientError, Err: err})
		}
		return c.finish(ctx, Result{Outcome: Redeliver, Err: err})
	}

	metrics.RecordsTotal.WithLabelValues(c.sink.Name()).Add(float64(b.Len()))
	return c.finish(ctx, Result{Outcome: Acknowledged, Count: b.Len()})
}

// DeliverEnvelope decodes a queue envelope and delivers its payload. A
// decode failure is a client error.
func (c *Controller) DeliverEnvelope(ctx context.Context, data []byte) Result {
	payload, msg, err := envelope.Decode(data)
	if err != nil {
		metrics.EnvelopeDecodeErrors.WithLabelValues(c.transport).Inc()
		return c.finish(ctx, Result{Outcome: RejectedClientError, Err: err})
	}

	// the publisher's message ID correlates logs when no request ID is set
	if msg.MessageID != "" && middleware.GetRequestID(ctx) == "" {
		ctx = middleware.WithRequestID(ctx, msg.MessageID)
	}
	c.logger.DebugContext(ctx, "decoded envelope payload",
		logging.MessageID(msg.MessageID), "payload", string(payload))

	return c.Deliver(ctx, payload)
}

// HandleEnvelope is DeliverEnvelope for queue consumers. It returns nil
// only when the message may be acknowledged; any error means the transport
// must redeliver (or dead-letter) the message.
func (c *Controller) HandleEnvelope(ctx context.Context, data []byte) error {
	res := c.DeliverEnvelope(ctx, data)
	if res.Outcome == Acknowledged {
		return nil
	}
	return res.Err
}

// persist runs one Persist call. Adapter errors and panics are folded into
// the same failure as a non-empty row error list.
func (c *Controller) persist(ctx context.Context, b *batch.Batch) (err error) {
	name := c.sink.Name()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = sink.FailedBatch(fmt.Errorf("panic during persist: %v", r)).Err(name)
		}
		metrics.PersistDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.PersistFailures.WithLabelValues(name).Inc()
		}
	}()

	metrics.BatchSize.WithLabelValues(name).Observe(float64(b.Len()))

	res, perr := c.sink.Persist(ctx, b)
	if perr != nil {
		return sink.FailedBatch(perr).Err(name)
	}
	if !res.OK() {
		metrics.RowErrors.WithLabelValues(name).Add(float64(len(res.Errors)))
		return res.Err(name)
	}
	return nil
}

func (c *Controller) finish(ctx context.Context, res Result) Result {
	metrics.MessagesTotal.WithLabelValues(c.transport, res.Outcome.String()).Inc()

	attrs := []any{
		logging.Transport(c.transport),
		logging.Sink(c.sink.Name()),
		logging.Outcome(res.Outcome.String()),
	}
	switch res.Outcome {
	case Acknowledged:
		c.logger.InfoContext(ctx, "message persisted", append(attrs, logging.Count(res.Count))...)
	case RejectedClientError:
		c.logger.WarnContext(ctx, "message rejected", append(attrs, logging.Error(res.Err))...)
	default:
		c.logger.ErrorContext(ctx, "message persist failed, redelivery required", append(attrs, logging.Error(res.Err))...)
	}
	return res
}
