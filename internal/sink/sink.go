// Package sink defines the persistence boundary of the pipeline. A Sink
// accepts a whole batch and reports either full success or the list of
// records that failed.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/event"
)

// WholeBatch is the RowError index used when a failure is not tied to a
// single record (connection loss, commit failure, bulk request error).
const WholeBatch = -1

var (
	// ErrSinkFailure matches every *Error.
	ErrSinkFailure = errors.New("sink failure")

	// ErrUnstorable matches an *Error with at least one permanent row: the
	// store rejects the record content itself, so redelivery cannot help.
	ErrUnstorable = errors.New("record content rejected by store")
)

// Sink persists batches. Implementations must be safe for concurrent use and
// are constructed once per process.
type Sink interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Kind reports the record shape the sink stores.
	Kind() event.SinkKind

	// Persist stores every record of b. A returned error means the store could
	// not be reached at all and is handled like a failed Result.
	Persist(ctx context.Context, b *batch.Batch) (Result, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// RowError is one failure reported by the store. Permanent marks content
// the store will reject on every attempt.
type RowError struct {
	Index     int    `json:"index"`
	Detail    string `json:"detail"`
	Permanent bool   `json:"permanent,omitempty"`
}

// Result is the outcome of one Persist call. Cause is the adapter error
// behind a whole-batch failure, if any.
type Result struct {
	Count  int
	Errors []RowError
	Cause  error
}

// Succeeded reports count stored records and no errors.
func Succeeded(count int) Result {
	return Result{Count: count}
}

// Failed reports the given row errors.
func Failed(errs ...RowError) Result {
	return Result{Errors: errs}
}

// FailedBatch reports err as applying to the whole batch and keeps it as
// the cause.
func FailedBatch(err error) Result {
	res := Failed(RowError{Index: WholeBatch, Detail: err.Error()})
	res.Cause = err
	return res
}

// OK is true when every record was persisted.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

// Err returns nil for a successful result and an *Error otherwise.
func (r Result) Err(sinkName string) error {
	if r.OK() {
		return nil
	}
	return &Error{Sink: sinkName, Rows: r.Errors, Cause: r.Cause}
}

// Error is a failed persist, carrying every reported row error.
type Error struct {
	Sink  string
	Rows  []RowError
	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d error(s)", e.Sink, len(e.Rows))
	for i, row := range e.Rows {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		if row.Index == WholeBatch {
			b.WriteString(row.Detail)
		} else {
			fmt.Fprintf(&b, "record %d: %s", row.Index, row.Detail)
		}
	}
	return b.String()
}

// Permanent reports whether any row was rejected for its content.
func (e *Error) Permanent() bool {
	for _, row := range e.Rows {
		if row.Permanent {
			return true
		}
	}
	return false
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrSinkFailure:
		return true
	case ErrUnstorable:
		return e.Permanent()
	default:
		return false
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}
