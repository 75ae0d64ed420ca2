package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/consumer"
	"github.com/cis-datafabric/sensor-ingest/internal/delivery"
	"github.com/cis-datafabric/sensor-ingest/internal/dlq"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging/kafka"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging/nats"
)

var consumeTransport string

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume queued telemetry into the analytical sink",
	Long: `Consumes base64 telemetry envelopes from NATS JetStream or Kafka and
persists them into the configured analytical sink.

A message is acknowledged only after its whole batch is persisted. Failed
messages are redelivered; undecodable ones and those exceeding the delivery
limit are moved to the dead-letter subject or topic.

Examples:
  sensor-ingest consume --transport nats
  sensor-ingest consume --transport kafka`,
	RunE: runConsume,
}

func init() {
	consumeCmd.Flags().StringVar(&consumeTransport, "transport", "nats", "queue transport: nats, kafka")
	rootCmd.AddCommand(consumeCmd)
}

func runConsume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	analytical, err := openAnalytical(ctx, cfg)
	if err != nil {
		return err
	}
	defer analytical.Close()

	ctrl := delivery.New(analytical, batch.NewAssembler(nil),
		delivery.WithLogger(logger),
		delivery.WithTransport(consumeTransport),
		delivery.WithPayloadLogging(cfg.Logging.LogPayloads),
	)

	var c consumer.Consumer
	switch consumeTransport {
	case "nats":
		js, err := nats.NewJetStreamClient(natsConfig(), logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer js.Close()

		queue, err := dlq.NewJetStreamQueue(ctx, js, logger)
		if err != nil {
			return err
		}

		consumerCfg := nats.DefaultConsumerConfig(cfg.NATS.Consumer, messaging.SubjectTelemetryIngest)
		consumerCfg.MaxDeliver = cfg.NATS.MaxDeliver
		consumerCfg.AckWait = cfg.NATS.AckWait

		c = consumer.NewJetStream(js, ctrl, queue.Write, consumer.JetStreamConfig{
			Consumer: consumerCfg,
			NakDelay: cfg.NATS.NakDelay,
		}, logger)

	case "kafka":
		kcfg := kafkaConfig()

		var deadLetter messaging.DeadLetterFunc
		if kcfg.DeadLetterTopic != "" {
			producer, err := kafka.NewProducer(kcfg)
			if err != nil {
				return err
			}
			defer producer.Close()

			topic := kcfg.DeadLetterTopic
			queue := dlq.New(producer, "kafka",
				dlq.WithSubject(func(string) string { return topic }),
				dlq.WithLogger(logger),
			)
			deadLetter = queue.Write
		}

		c, err = consumer.NewKafka(consumer.KafkaConfig{
			Kafka:       kcfg,
			MaxAttempts: cfg.Kafka.MaxAttempts,
			RetryDelay:  cfg.Kafka.RetryDelay,
		}, ctrl, deadLetter, logger)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown transport %q (supported: nats, kafka)", consumeTransport)
	}

	logger.Info("Consumer started",
		"transport", consumeTransport,
		"sink", analytical.Name(),
	)
	if err := c.Run(ctx); err != nil {
		return err
	}
	logger.Info("Consumer stopped")
	return nil
}

func natsConfig() nats.Config {
	c := nats.DefaultConfig()
	c.URL = cfg.NATS.URL
	return c
}

func kafkaConfig() kafka.Config {
	c := kafka.Config{
		Brokers:         cfg.Kafka.Brokers,
		Topic:           cfg.Kafka.Topic,
		Group:           cfg.Kafka.Group,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		TLS:             cfg.Kafka.TLS,
	}
	if cfg.Kafka.SASLMechanism != "" {
		c.SASL = &kafka.SASLConfig{
			Mechanism: cfg.Kafka.SASLMechanism,
			User:      cfg.Kafka.SASLUser,
			Password:  cfg.Kafka.SASLPassword,
		}
	}
	return c
}
