// Package postgres is the relational sink: one row per record, all rows of a
// batch committed in a single transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/event"
	"github.com/cis-datafabric/sensor-ingest/internal/sink"
)

// DefaultTable is the table created by the bundled migrations.
const DefaultTable = "sensor_data"

// Config holds pool settings.
type Config struct {
	URL             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// querier is the subset of pgx used by Persist; satisfied by *pgxpool.Pool.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Sink writes records into a PostgreSQL table.
type Sink struct {
	db     querier
	insert string
}

// New opens a connection pool and verifies it with a ping.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newSink(pool, cfg.Table), nil
}

func newSink(db querier, table string) *Sink {
	if table == "" {
		table = DefaultTable
	}
	return &Sink{
		db:     db,
		insert: InsertStatement(table),
	}
}

// InsertStatement returns the per-record INSERT for table. The table name
// is quoted as an identifier; "schema.table" is split on the dot.
func InsertStatement(table string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (source, device_id, payload, created_at) VALUES ($1, $2, $3, $4)",
		quoteTable(table),
	)
}

func (s *Sink) Name() string {
	return "postgres"
}

func (s *Sink) Kind() event.SinkKind {
	return event.Relational
}

// Persist inserts every record inside one transaction. The first failing
// insert aborts the transaction, so a batch is either fully committed or not
// at all.
func (s *Sink) Persist(ctx context.Context, b *batch.Batch) (sink.Result, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return sink.Result{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback(context.Background())
	}()

	var failed *sink.RowError
	_ = b.Each(func(i int, r batch.Record) error {
		if _, err := tx.Exec(ctx, s.insert, r.Source, r.DeviceID, string(r.Payload), r.IngestTimestamp); err != nil {
			failed = &sink.RowError{Index: i, Detail: describe(err), Permanent: rejectsContent(err)}
			return err
		}
		return nil
	})
	if failed != nil {
		return sink.Failed(*failed), nil
	}

	if err := tx.Commit(ctx); err != nil {
		return sink.FailedBatch(fmt.Errorf("commit: %s", describe(err))), nil
	}

	return sink.Succeeded(b.Len()), nil
}

func (s *Sink) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Sink) Close() error {
	s.db.Close()
	return nil
}

// describe keeps the SQLSTATE of server errors in the detail string.
func describe(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Sprintf("%s (SQLSTATE %s)", pgErr.Message, pgErr.Code)
	}
	return err.Error()
}

// rejectsContent reports server errors raised by the record content itself,
// such as a \u0000 escape or a character the database encoding cannot hold.
func rejectsContent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.UntranslatableCharacter, pgerrcode.CharacterNotInRepertoire:
		return true
	default:
		return false
	}
}

func quoteTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}
