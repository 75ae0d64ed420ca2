// Package envelope decodes the queue envelope wrapped around asynchronous
// telemetry: a JSON document whose "data" field is the base64-encoded UTF-8
// JSON payload.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// ErrDecode matches every *DecodeError.
var ErrDecode = errors.New("transport decode failure")

// Stage names the decoding step that failed.
type Stage string

const (
	StageEnvelope Stage = "envelope"
	StageBase64   Stage = "base64"
	StageUTF8     Stage = "utf8"
	StageJSON     Stage = "json"
)

// DecodeError is a TransportDecodeFailure: the message can never be
// processed, whatever the sink state.
type DecodeError struct {
	Stage Stage
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("decode %s", e.Stage)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Message is a published message as delivered to subscribers.
type Message struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishTime *time.Time        `json:"publishTime,omitempty"`
}

// PushRequest is the body a push subscription POSTs to its endpoint.
type PushRequest struct {
	Message      Message `json:"message"`
	Subscription string  `json:"subscription"`
}

// Encode wraps payload into the envelope published on queue transports.
func Encode(payload []byte) ([]byte, error) {
	return json.Marshal(Message{Data: base64.StdEncoding.EncodeToString(payload)})
}

// Parse reads a queue envelope. Both the bare message form {"data": ...}
// and the push form {"message": {"data": ...}} are accepted.
func Parse(data []byte) (*Message, error) {
	var probe struct {
		Data    *string  `json:"data"`
		Message *Message `json:"message"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &DecodeError{Stage: StageEnvelope, Err: err}
	}

	switch {
	case probe.Message != nil:
		return probe.Message, nil
	case probe.Data != nil:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &DecodeError{Stage: StageEnvelope, Err: err}
		}
		return &msg, nil
	default:
		return nil, &DecodeError{Stage: StageEnvelope, Err: errors.New(`missing "data" field`)}
	}
}

// Payload decodes the message data into the raw JSON body it carries.
func (m *Message) Payload() ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, &DecodeError{Stage: StageBase64, Err: err}
	}
	if !utf8.Valid(decoded) {
		return nil, &DecodeError{Stage: StageUTF8, Err: errors.New("payload is not valid UTF-8")}
	}
	if !json.Valid(bytes.TrimSpace(decoded)) {
		return nil, &DecodeError{Stage: StageJSON, Err: errors.New("payload is not valid JSON")}
	}
	return decoded, nil
}

// Decode parses data as an envelope and returns its JSON payload.
func Decode(data []byte) ([]byte, *Message, error) {
	msg, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	payload, err := msg.Payload()
	if err != nil {
		return nil, msg, err
	}
	return payload, msg, nil
}
