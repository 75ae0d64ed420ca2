package cmd

import (
	"context"
	"fmt"

	"github.com/cis-datafabric/sensor-ingest/internal/config"
	"github.com/cis-datafabric/sensor-ingest/internal/event"
	"github.com/cis-datafabric/sensor-ingest/internal/migrations"
	"github.com/cis-datafabric/sensor-ingest/internal/sink"
	"github.com/cis-datafabric/sensor-ingest/internal/sink/clickhouse"
	"github.com/cis-datafabric/sensor-ingest/internal/sink/memory"
	"github.com/cis-datafabric/sensor-ingest/internal/sink/opensearch"
	"github.com/cis-datafabric/sensor-ingest/internal/sink/postgres"
)

// openRelational applies pending migrations when configured and opens the
// PostgreSQL sink.
func openRelational(ctx context.Context, c config.PostgresConfig) (*postgres.Sink, error) {
	if c.MigrateOnStart {
		if err := migrations.Up(c.URL); err != nil {
			return nil, err
		}
		logger.Info("Database migrations applied")
	}

	s, err := postgres.New(ctx, postgres.Config{
		URL:             c.URL,
		Table:           c.Table,
		MaxConns:        c.MaxConns,
		MinConns:        c.MinConns,
		MaxConnLifetime: c.MaxConnLifetime,
		MaxConnIdleTime: c.MaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres sink: %w", err)
	}
	logger.Info("Relational sink ready", "table", c.Table)
	return s, nil
}

// openAnalytical opens the configured analytical backend and prepares its
// index template or table.
func openAnalytical(ctx context.Context, c *config.Config) (sink.Sink, error) {
	switch c.Analytical.Backend {
	case config.BackendOpenSearch:
		s, err := opensearch.New(opensearch.Config{
			URL:           c.OpenSearch.URL,
			Username:      c.OpenSearch.Username,
			Password:      c.OpenSearch.Password,
			TLSSkipVerify: c.OpenSearch.TLSSkipVerify,
			Index:         c.OpenSearch.Index,
			ShardCount:    c.OpenSearch.ShardCount,
			ReplicaCount:  c.OpenSearch.ReplicaCount,
			Timeout:       c.OpenSearch.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opensearch sink: %w", err)
		}
		if err := s.Initialize(ctx); err != nil {
			logger.Warn("Failed to initialize OpenSearch; events may fail to index until it is configured",
				"error", err)
		}
		return s, nil

	case config.BackendClickHouse:
		s, err := clickhouse.Open(ctx, clickhouse.Config{
			Addr:        c.ClickHouse.Addr,
			Database:    c.ClickHouse.Database,
			Username:    c.ClickHouse.Username,
			Password:    c.ClickHouse.Password,
			Table:       c.ClickHouse.Table,
			DialTimeout: c.ClickHouse.DialTimeout,
			ReadTimeout: c.ClickHouse.ReadTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("clickhouse sink: %w", err)
		}
		if err := s.EnsureTable(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("clickhouse sink: %w", err)
		}
		return s, nil

	case config.BackendMemory:
		logger.Warn("Analytical backend is in-memory; records are lost on exit")
		return memory.New(event.Analytical), nil

	default:
		return nil, fmt.Errorf("unknown analytical backend %q", c.Analytical.Backend)
	}
}
