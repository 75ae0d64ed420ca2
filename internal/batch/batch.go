// Package batch assembles the normalized records of one inbound message into
// an immutable persistence batch.
package batch

import (
	"encoding/json"
	"time"

	"github.com/cis-datafabric/sensor-ingest/internal/classifier"
	"github.com/cis-datafabric/sensor-ingest/internal/event"
)

// Record is the uniform storage unit derived from one raw object.
type Record struct {
	Source          string
	DeviceID        string // relational records only
	IngestTimestamp time.Time
	Payload         json.RawMessage
}

// Batch is the ordered set of records produced from exactly one message.
// It is never modified after Assemble returns.
type Batch struct {
	kind    event.SinkKind
	ts      time.Time
	records []Record
}

// Kind returns the sink the batch was shaped for.
func (b *Batch) Kind() event.SinkKind {
	return b.kind
}

// Len returns the number of records.
func (b *Batch) Len() int {
	return len(b.records)
}

// IngestTimestamp returns the processing instant shared by all records.
func (b *Batch) IngestTimestamp() time.Time {
	return b.ts
}

// Records returns a copy of the records in input order.
func (b *Batch) Records() []Record {
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// Each calls fn for every record in order and stops at the first error.
func (b *Batch) Each(fn func(i int, r Record) error) error {
	for i, r := range b.records {
		if err := fn(i, r); err != nil {
			return err
		}
	}
	return nil
}

// Clock returns the current instant.
type Clock func() time.Time

// Assembler builds batches with a single clock reading per message.
type Assembler struct {
	clock Clock
}

// NewAssembler returns an Assembler reading time from clock. A nil clock
// means time.Now.
func NewAssembler(clock Clock) *Assembler {
	if clock == nil {
		clock = time.Now
	}
	return &Assembler{clock: clock}
}

// Assemble tags every object and wraps it in a Record. All records share
// the same ingest timestamp.
func (a *Assembler) Assemble(kind event.SinkKind, objs []event.Object) *Batch {
	ts := a.clock().UTC()
	fields := classifier.FieldsFor(kind)

	records := make([]Record, len(objs))
	for i, obj := range objs {
		r := Record{
			Source:          classifier.Classify(obj, fields),
			IngestTimestamp: ts,
			Payload:         obj.Raw(),
		}
		if kind == event.Relational {
			r.DeviceID = obj.TextOr("device_id", event.Unknown)
		}
		records[i] = r
	}

	return &Batch{kind: kind, ts: ts, records: records}
}
