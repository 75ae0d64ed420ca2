package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cis-datafabric/sensor-ingest/internal/dlq"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging/nats"
)

var (
	dlqLimit  int
	dlqOutput string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the JetStream dead-letter stream",
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter stream statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(cmd, func(q *dlq.JetStreamQueue) error {
			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(stats)
		})
	},
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered messages, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(cmd, func(q *dlq.JetStreamQueue) error {
			msgs, err := q.List(cmd.Context(), dlqLimit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				info("No dead-lettered messages")
				return nil
			}
			return printOutput(msgs)
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-lettered message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(cmd, func(q *dlq.JetStreamQueue) error {
			if err := q.Purge(cmd.Context()); err != nil {
				return err
			}
			success("Dead-letter stream purged")
			return nil
		})
	},
}

func init() {
	dlqCmd.PersistentFlags().StringVar(&dlqOutput, "output", "json", "output format: json, yaml")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "maximum number of messages")

	dlqCmd.AddCommand(dlqStatsCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}

func withDLQ(cmd *cobra.Command, fn func(q *dlq.JetStreamQueue) error) error {
	js, err := nats.NewJetStreamClient(natsConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer js.Close()

	q, err := dlq.NewJetStreamQueue(cmd.Context(), js, logger)
	if err != nil {
		return err
	}
	return fn(q)
}

func printOutput(v any) error {
	switch dlqOutput {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (supported: json, yaml)", dlqOutput)
	}
}
