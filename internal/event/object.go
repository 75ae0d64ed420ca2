// Package event holds the schema-less document type carried through the
// ingestion pipeline. Producer payloads are never bound to a fixed struct:
// an Object keeps the exact bytes it was decoded from, plus a shallow
// field view used for tagging.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Unknown is the tag used when a field cannot be determined.
const Unknown = "unknown"

var jsonNull = []byte("null")

// Object is one JSON object exactly as a producer sent it.
type Object struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage
}

// ParseObject decodes data as a JSON object. It fails for any other JSON
// value, including null.
func ParseObject(data []byte) (Object, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Object{}, fmt.Errorf("not a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Object{}, fmt.Errorf("decode object: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}

	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)

	return Object{raw: raw, fields: fields}, nil
}

// Raw returns the verbatim JSON bytes of the object.
func (o Object) Raw() json.RawMessage {
	return o.raw
}

// Len returns the number of top-level fields.
func (o Object) Len() int {
	return len(o.fields)
}

// Lookup returns the raw value of key when it is present and not null.
func (o Object) Lookup(key string) (json.RawMessage, bool) {
	v, ok := o.fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(v), jsonNull) {
		return nil, false
	}
	return v, true
}

// Text returns the value of key as a tag string. JSON strings are unquoted;
// numbers, booleans, arrays and objects are returned as their JSON text.
func (o Object) Text(key string) (string, bool) {
	v, ok := o.Lookup(key)
	if !ok {
		return "", false
	}
	v = bytes.TrimSpace(v)
	if len(v) > 0 && v[0] == '"' {
		var decoded string
		if err := json.Unmarshal(v, &decoded); err == nil {
			return decoded, true
		}
	}
	return string(v), true
}

// TextOr is Text with a fallback for absent or null fields.
func (o Object) TextOr(key, fallback string) string {
	if s, ok := o.Text(key); ok {
		return s
	}
	return fallback
}
