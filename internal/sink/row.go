package sink

import (
	"time"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
)

// AnalyticalRow is the document shape written to analytical stores.
type AnalyticalRow struct {
	IngestTimestamp string `json:"ingest_timestamp"`
	SourceType      string `json:"source_type"`
	Payload         string `json:"payload"`
}

// NewAnalyticalRow converts r. The payload is kept as its JSON text.
func NewAnalyticalRow(r batch.Record) AnalyticalRow {
	return AnalyticalRow{
		IngestTimestamp: r.IngestTimestamp.UTC().Format(time.RFC3339Nano),
		SourceType:      r.Source,
		Payload:         string(r.Payload),
	}
}
