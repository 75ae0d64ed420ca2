package event

// SinkKind identifies which store a record is shaped for.
type SinkKind string

const (
	// Relational rows carry a dedicated device_id column.
	Relational SinkKind = "relational"
	// Analytical rows fold device identity into the payload.
	Analytical SinkKind = "analytical"
)
