// Package clickhouse is an analytical sink appending each batch to a
// MergeTree table through the native protocol.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/event"
	"github.com/cis-datafabric/sensor-ingest/internal/sink"
)

// DefaultTable is created by EnsureTable when missing.
const DefaultTable = "sensor_telemetry"

type Config struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	Table       string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// conn is the part of clickhouse.Conn the sink uses.
type conn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

// Sink appends analytical rows to a ClickHouse table.
type Sink struct {
	db    conn
	table string
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	db, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to clickhouse on %s: %w", cfg.Addr, err)
	}

	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping clickhouse at %s: %w", cfg.Addr, err)
	}

	return newSink(db, cfg.Table), nil
}

func newSink(db conn, table string) *Sink {
	if table == "" {
		table = DefaultTable
	}
	return &Sink{db: db, table: table}
}

func (s *Sink) Name() string {
	return "clickhouse"
}

func (s *Sink) Kind() event.SinkKind {
	return event.Analytical
}

// CreateTableStatement returns the DDL for the analytical table.
func CreateTableStatement(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    ingest_timestamp DateTime64(9, 'UTC'),
    source_type      LowCardinality(String),
    payload          String
) ENGINE = MergeTree
ORDER BY (source_type, ingest_timestamp)`, quoteIdent(table))
}

// EnsureTable creates the table if it does not exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	if err := s.db.Exec(ctx, CreateTableStatement(s.table)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

// Persist appends every record to one batch and sends it. Rows that fail
// to append are reported individually and nothing is sent; a failed send
// is reported against every row.
func (s *Sink) Persist(ctx context.Context, b *batch.Batch) (sink.Result, error) {
	chBatch, err := s.db.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (ingest_timestamp, source_type, payload)", quoteIdent(s.table)))
	if err != nil {
		return sink.Result{}, fmt.Errorf("prepare batch: %w", err)
	}

	var rowErrs []sink.RowError
	_ = b.Each(func(i int, r batch.Record) error {
		row := sink.NewAnalyticalRow(r)
		if err := chBatch.Append(r.IngestTimestamp.UTC(), row.SourceType, row.Payload); err != nil {
			rowErrs = append(rowErrs, sink.RowError{Index: i, Detail: err.Error()})
		}
		return nil
	})
	if len(rowErrs) > 0 {
		_ = chBatch.Abort()
		return sink.Failed(rowErrs...), nil
	}

	if err := chBatch.Send(); err != nil {
		errs := make([]sink.RowError, b.Len())
		for i := range errs {
			errs[i] = sink.RowError{Index: i, Detail: fmt.Sprintf("send: %v", err)}
		}
		return sink.Failed(errs...), nil
	}

	return sink.Succeeded(b.Len()), nil
}

func (s *Sink) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Sink) Close() error {
	return s.db.Close()
}

// quoteIdent quotes a table name, splitting "db.table" into two
// identifiers and doubling embedded backticks.
func quoteIdent(name string) string {
	if db, table, ok := strings.Cut(name, "."); ok {
		return quotePart(db) + "." + quotePart(table)
	}
	return quotePart(name)
}

func quotePart(part string) string {
	return "`" + strings.ReplaceAll(part, "`", "``") + "`"
}
