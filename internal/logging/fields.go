package logging

import (
	"log/slog"
	"time"
)

// Common field names.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldMessageID = "message_id"
	FieldPath      = "path"
	FieldTransport = "transport"
	FieldSink      = "sink"
	FieldSource    = "source"
	FieldCount     = "count"
	FieldOutcome   = "outcome"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func MessageID(id string) slog.Attr {
	return slog.String(FieldMessageID, id)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Transport(name string) slog.Attr {
	return slog.String(FieldTransport, name)
}

func Sink(name string) slog.Attr {
	return slog.String(FieldSink, name)
}

func Source(tag string) slog.Attr {
	return slog.String(FieldSource, tag)
}

func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

func Outcome(o string) slog.Attr {
	return slog.String(FieldOutcome, o)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration records d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns an attribute for err. A nil error is logged as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
