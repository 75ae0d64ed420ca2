package messaging

// Subjects follow {domain}.{action}.{resource}.
const (
	// SubjectTelemetryIngest carries telemetry envelopes to the analytical path.
	SubjectTelemetryIngest = "telemetry.ingest.events"

	// SubjectTelemetryDLQ prefixes dead-lettered messages; the reason is appended.
	SubjectTelemetryDLQ = "telemetry.dlq"
)

// QueueIngestWorkers is the durable consumer shared by analytical workers.
const QueueIngestWorkers = "ingest-workers"

// DeadLetterSubject returns the subject for messages dead-lettered for reason.
// Example: telemetry.dlq.sink_failure
func DeadLetterSubject(reason string) string {
	return SubjectTelemetryDLQ + "." + reason
}
