package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging/kafka"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging/nats"
	"github.com/cis-datafabric/sensor-ingest/internal/simulator"
)

var (
	simTarget       string
	simURL          string
	simScenario     string
	simRounds       int
	simSeed         int64
	simInterval     time.Duration
	simSubscription string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish simulated device telemetry",
	Long: `Generates telemetry from the nova, orion and virgo producers (an object,
an object and an array of three) and sends it to an ingestion entry point.

Targets:
  http   POST raw bodies to /ingest
  push   POST push-subscription envelopes to /pubsub/push
  nats   publish envelopes to the telemetry JetStream subject
  kafka  produce envelopes to the telemetry topic

Examples:
  sensor-ingest simulate --rounds 10
  sensor-ingest simulate --target nats --scenario ./scenario.yaml
  sensor-ingest simulate --target push --url http://ingest:8080 --seed 42`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simTarget, "target", "http", "destination: http, push, nats, kafka")
	simulateCmd.Flags().StringVar(&simURL, "url", "", "ingestion service base URL (default: simulator.target_url)")
	simulateCmd.Flags().StringVar(&simScenario, "scenario", "", "YAML scenario file (default: one nova/orion/virgo round)")
	simulateCmd.Flags().IntVar(&simRounds, "rounds", 1, "number of rounds when no scenario is given")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 0, "generator seed (default: simulator.seed, 0 for random)")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 0, "pause between messages (default: simulator.interval)")
	simulateCmd.Flags().StringVar(&simSubscription, "subscription", "sensor-ingest-push", "subscription name reported in push envelopes")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseURL := simURL
	if baseURL == "" {
		baseURL = cfg.Simulator.TargetURL
	}
	seed := simSeed
	if seed == 0 {
		seed = cfg.Simulator.Seed
	}
	interval := simInterval
	if !cmd.Flags().Changed("interval") {
		interval = cfg.Simulator.Interval
	}

	gen := simulator.NewGenerator(seed)

	var events []simulator.Event
	if simScenario != "" {
		scenario, err := simulator.LoadScenario(simScenario)
		if err != nil {
			return err
		}
		if scenario.Interval > 0 && !cmd.Flags().Changed("interval") {
			interval = scenario.Interval
		}
		for range scenario.Repeat {
			round, err := scenario.Build(gen)
			if err != nil {
				return err
			}
			events = append(events, round...)
		}
	} else {
		for range simRounds {
			events = append(events, gen.Fleet()...)
		}
	}

	var sender simulator.Sender
	switch simTarget {
	case "http":
		sender = simulator.NewHTTPSender(baseURL)
	case "push":
		sender = simulator.NewPushSender(baseURL, simSubscription)
	case "nats":
		js, err := nats.NewJetStreamClient(natsConfig(), logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer js.Close()
		if _, err := js.CreateOrUpdateStream(ctx, nats.TelemetryStream); err != nil {
			return err
		}
		sender = simulator.NewQueueSender(js, messaging.SubjectTelemetryIngest)
	case "kafka":
		producer, err := kafka.NewProducer(kafkaConfig())
		if err != nil {
			return err
		}
		defer producer.Close()
		sender = simulator.NewQueueSender(producer, cfg.Kafka.Topic)
	default:
		return fmt.Errorf("unknown target %q (supported: http, push, nats, kafka)", simTarget)
	}

	logger.Info("Starting simulator",
		"target", simTarget,
		"messages", len(events),
		"interval", interval.String(),
	)

	stats, err := simulator.NewRunner(sender, interval, logger).Run(ctx, events)
	fmt.Printf("\nSimulation complete:\n  Sent: %d messages\n  Failed: %d messages\n", stats.Sent, stats.Failed)
	return err
}
