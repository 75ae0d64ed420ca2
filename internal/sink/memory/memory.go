// Package memory is an in-process, append-only sink for local runs and
// tests. Rows are kept for the lifetime of the process.
package memory

import (
	"context"
	"sync"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/event"
	"github.com/cis-datafabric/sensor-ingest/internal/sink"
)

// Sink stores records in memory.
type Sink struct {
	kind event.SinkKind

	mu      sync.RWMutex
	records []batch.Record
	batches int
}

// New returns an empty sink storing records shaped for kind.
func New(kind event.SinkKind) *Sink {
	return &Sink{kind: kind}
}

func (s *Sink) Name() string {
	return "memory"
}

func (s *Sink) Kind() event.SinkKind {
	return s.kind
}

// Persist appends every record of b. There is no key, so persisting the
// same batch twice stores it twice.
func (s *Sink) Persist(ctx context.Context, b *batch.Batch) (sink.Result, error) {
	if err := ctx.Err(); err != nil {
		return sink.Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, b.Records()...)
	s.batches++
	return sink.Succeeded(b.Len()), nil
}

func (s *Sink) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Sink) Close() error {
	return nil
}

// Records returns a copy of every stored record in insertion order.
func (s *Sink) Records() []batch.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]batch.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Batches returns the number of successful Persist calls.
func (s *Sink) Batches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches
}
