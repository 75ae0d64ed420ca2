package consumer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/cis-datafabric/sensor-ingest/internal/delivery"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging/kafka"
)

// KafkaConfig controls retry behavior of the Kafka consumer.
type KafkaConfig struct {
	Kafka kafka.Config
	// MaxAttempts bounds processing attempts per record before it is
	// dead-lettered. Non-positive retries forever.
	MaxAttempts int
	// RetryDelay is the pause before a rewound partition is fetched again.
	RetryDelay time.Duration
}

// kafkaClient is the part of *kgo.Client the consumer drives.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset)
	AllowRebalance()
	Close()
}

type recordKey struct {
	topic     string
	partition int32
	offset    int64
}

// Kafka consumes a topic in a consumer group. Offsets are committed only
// after a record is acknowledged; a failed record rewinds its partition so
// the same offset is fetched again.
type Kafka struct {
	client     kafkaClient
	handler    EnvelopeHandler
	deadLetter messaging.DeadLetterFunc
	cfg        KafkaConfig
	logger     *logging.Logger
	sleep      func(ctx context.Context, d time.Duration)

	attempts map[recordKey]uint64
}

// NewKafka connects a group consumer for cfg.Kafka.Topic.
func NewKafka(cfg KafkaConfig, h EnvelopeHandler, deadLetter messaging.DeadLetterFunc, logger *logging.Logger) (*Kafka, error) {
	opts, err := kafka.ClientOptions(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumeTopics(cfg.Kafka.Topic),
		kgo.ConsumerGroup(cfg.Kafka.Group),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return newKafka(client, cfg, h, deadLetter, logger), nil
}

func newKafka(client kafkaClient, cfg KafkaConfig, h EnvelopeHandler, deadLetter messaging.DeadLetterFunc, logger *logging.Logger) *Kafka {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Kafka{
		client:     client,
		handler:    h,
		deadLetter: deadLetter,
		cfg:        cfg,
		logger:     logger.With("component", "consumer", logging.Transport("kafka")),
		sleep:      sleepCtx,
		attempts:   make(map[recordKey]uint64),
	}
}

// Run polls until ctx is cancelled.
func (c *Kafka) Run(ctx context.Context) error {
	defer c.client.Close()

	c.logger.Info("kafka consumer started",
		"brokers", c.cfg.Kafka.Brokers,
		"topic", c.cfg.Kafka.Topic,
		"group", c.cfg.Kafka.Group,
	)

	for {
		if !c.poll(ctx) {
			c.logger.Info("kafka consumer stopping")
			return nil
		}
	}
}

// poll processes one fetch and returns false once ctx is done.
func (c *Kafka) poll(ctx context.Context) bool {
	fetches := c.client.PollFetches(ctx)
	defer c.client.AllowRebalance()

	if ctx.Err() != nil {
		return false
	}

	for _, e := range fetches.Errors() {
		c.logger.Warn("kafka fetch error",
			"topic", e.Topic,
			"partition", e.Partition,
			logging.Error(e.Err),
		)
	}

	rewound := false
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		for _, rec := range p.Records {
			if !c.process(ctx, rec) {
				rewound = true
				// later records of this partition are fetched again
				return
			}
		}
	})

	if rewound {
		c.sleep(ctx, c.cfg.RetryDelay)
	}
	return ctx.Err() == nil
}

// process handles one record and returns false when its partition was
// rewound.
func (c *Kafka) process(ctx context.Context, rec *kgo.Record) bool {
	key := recordKey{topic: rec.Topic, partition: rec.Partition, offset: rec.Offset}
	c.attempts[key]++
	attempt := c.attempts[key]

	msg := toMessage(rec, attempt)
	err := handlerFor(c.handler)(ctx, msg)
	action := messaging.Settle(err, attempt, c.cfg.MaxAttempts, delivery.IsTerminal)

	if action == messaging.ActionDeadLetter {
		if c.deadLetter == nil {
			action = messaging.ActionRetry
		} else if dlErr := c.deadLetter(ctx, msg, err); dlErr != nil {
			c.logger.Error("dead-letter publish failed, record will be redelivered",
				"partition", rec.Partition, "offset", rec.Offset, logging.Error(dlErr))
			action = messaging.ActionRetry
		}
	}

	if action == messaging.ActionRetry {
		c.logger.Warn("record failed, rewinding partition",
			"partition", rec.Partition,
			"offset", rec.Offset,
			"attempt", attempt,
			logging.Error(err),
		)
		c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
			rec.Topic: {rec.Partition: {Epoch: rec.LeaderEpoch, Offset: rec.Offset}},
		})
		return false
	}

	delete(c.attempts, key)
	if cerr := c.client.CommitRecords(ctx, rec); cerr != nil {
		// the record may be processed again after a restart
		c.logger.Warn("offset commit failed",
			"partition", rec.Partition, "offset", rec.Offset, logging.Error(cerr))
	}
	return true
}

func toMessage(rec *kgo.Record, attempt uint64) *messaging.Message {
	md := make(map[string]string, len(rec.Headers)+2)
	md["kafka_partition"] = strconv.Itoa(int(rec.Partition))
	md["kafka_offset"] = strconv.FormatInt(rec.Offset, 10)
	for _, h := range rec.Headers {
		md[h.Key] = string(h.Value)
	}
	return &messaging.Message{
		Subject:      rec.Topic,
		Data:         rec.Value,
		Metadata:     md,
		Timestamp:    rec.Timestamp,
		NumDelivered: attempt,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
