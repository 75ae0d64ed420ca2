// Package classifier derives the producer tag of a raw event.
package classifier

import "github.com/cis-datafabric/sensor-ingest/internal/event"

// Candidate field names, in precedence order, for each sink.
var (
	RelationalFields = []string{"source"}
	AnalyticalFields = []string{"source", "type", "device_type"}
)

// FieldsFor returns the candidate field list used for records bound to k.
func FieldsFor(k event.SinkKind) []string {
	if k == event.Analytical {
		return AnalyticalFields
	}
	return RelationalFields
}

// Classify returns the first present, non-null candidate field of obj, or
// event.Unknown when none is set.
func Classify(obj event.Object, fields []string) string {
	for _, f := range fields {
		if v, ok := obj.Text(f); ok {
			return v
		}
	}
	return event.Unknown
}
