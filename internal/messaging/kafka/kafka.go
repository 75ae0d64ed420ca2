// Package kafka builds franz-go clients for telemetry topics.
package kafka

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string
}

// Config holds broker and topic settings.
type Config struct {
	Brokers []string
	Topic   string
	Group   string
	// DeadLetterTopic receives records that will not be retried. Empty
	// disables dead-lettering.
	DeadLetterTopic string
	TLS             bool
	SASL            *SASLConfig
}

// DefaultConfig returns settings for a local broker.
func DefaultConfig() Config {
	return Config{
		Brokers: []string{"localhost:9092"},
		Topic:   "telemetry-ingest",
		Group:   "sensor-ingest",
	}
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// ClientOptions returns the connection options shared by producers and
// consumers.
func ClientOptions(cfg Config) ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
	}

	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	return opts, nil
}

func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch strings.ToLower(cfg.Mechanism) {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}

// Producer publishes records synchronously.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects a producer. Publish with an empty topic writes to
// cfg.Topic.
func NewProducer(cfg Config) (*Producer, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, kgo.AllowAutoTopicCreation())

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Producer{client: client, topic: cfg.Topic}, nil
}

// Publish produces data to topic and waits for the broker acknowledgment.
func (p *Producer) Publish(ctx context.Context, topic string, data []byte) error {
	rec := &kgo.Record{Topic: cmp.Or(topic, p.topic), Value: data}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", rec.Topic, err)
	}
	return nil
}

// Ping checks that at least one broker answers.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}
