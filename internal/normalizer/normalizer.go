// Package normalizer turns one inbound message body into the ordered list of
// JSON objects it carries. A body is either a single object or an array of
// objects; anything else is rejected as a whole.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cis-datafabric/sensor-ingest/internal/event"
)

// Kind classifies a normalization failure. Every kind is a caller error:
// resubmitting the same body can never succeed.
type Kind string

const (
	KindEmptyBody        Kind = "empty_body"
	KindMalformedJSON    Kind = "malformed_json"
	KindInvalidEnvelope  Kind = "invalid_envelope"
	KindInvalidItemShape Kind = "invalid_item_shape"
	KindEmptyBatch       Kind = "empty_batch"
)

var (
	ErrEmptyBody        = errors.New("no JSON data")
	ErrMalformedJSON    = errors.New("body is not valid JSON")
	ErrInvalidEnvelope  = errors.New("body must be a JSON object or an array of objects")
	ErrInvalidItemShape = errors.New("array element is not a JSON object")
	ErrEmptyBatch       = errors.New("array contains no events")
)

var sentinels = map[Kind]error{
	KindEmptyBody:        ErrEmptyBody,
	KindMalformedJSON:    ErrMalformedJSON,
	KindInvalidEnvelope:  ErrInvalidEnvelope,
	KindInvalidItemShape: ErrInvalidItemShape,
	KindEmptyBatch:       ErrEmptyBatch,
}

// Error describes why a message could not be normalized.
type Error struct {
	Kind Kind
	// Index is the offending array position for KindInvalidItemShape, -1 otherwise.
	Index int
	Err   error
}

func (e *Error) Error() string {
	msg := sentinels[e.Kind].Error()
	if e.Kind == KindInvalidItemShape {
		msg = fmt.Sprintf("%s (index %d)", msg, e.Index)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel error for the failure kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, index int, err error) *Error {
	return &Error{Kind: kind, Index: index, Err: err}
}

// Normalize expands raw into its objects, preserving array order. On any
// error no objects are returned.
func Normalize(raw []byte) ([]event.Object, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, newError(KindEmptyBody, -1, nil)
	}
	if !json.Valid(trimmed) {
		return nil, newError(KindMalformedJSON, -1, nil)
	}

	switch trimmed[0] {
	case '{':
		obj, err := event.ParseObject(trimmed)
		if err != nil {
			return nil, newError(KindMalformedJSON, -1, err)
		}
		return []event.Object{obj}, nil

	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, newError(KindMalformedJSON, -1, err)
		}
		if len(elems) == 0 {
			return nil, newError(KindEmptyBatch, -1, nil)
		}

		objs := make([]event.Object, 0, len(elems))
		for i, elem := range elems {
			obj, err := event.ParseObject(elem)
			if err != nil {
				return nil, newError(KindInvalidItemShape, i, nil)
			}
			objs = append(objs, obj)
		}
		return objs, nil

	default:
		return nil, newError(KindInvalidEnvelope, -1, nil)
	}
}
