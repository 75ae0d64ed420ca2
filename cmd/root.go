package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cis-datafabric/sensor-ingest/internal/config"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sensor-ingest",
	Short: "Heterogeneous sensor telemetry ingestion",
	Long: `sensor-ingest accepts telemetry from heterogeneous device producers,
normalizes it into uniform records and persists it into a relational store
(PostgreSQL) or an analytical store (OpenSearch or ClickHouse).

Messages arrive over HTTP, a push subscription webhook, NATS JetStream or
Kafka. Every message is persisted as one batch or redelivered as a whole.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}

		logger = logging.New(
			logging.ParseLevel(cfg.Logging.Level),
			cfg.Logging.Format,
		).With(logging.Service("sensor-ingest"))
		logging.SetDefault(logger)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/sensor-ingest/config.yaml)")
}
