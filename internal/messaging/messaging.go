// Package messaging defines the broker-neutral message type used by the
// queue consumers and the simulator publishers.
package messaging

import (
	"context"
	"time"
)

// Message is a message received from or sent to a broker.
type Message struct {
	// Subject is the subject or topic the message was published to.
	Subject string

	// Data is the raw message body, normally a telemetry envelope.
	Data []byte

	// Metadata holds message headers.
	Metadata map[string]string

	// Timestamp is when the broker stored the message, if known.
	Timestamp time.Time

	// NumDelivered counts delivery attempts, starting at 1.
	NumDelivered uint64
}

// MessageHandler processes one message. A nil error acknowledges it.
type MessageHandler func(ctx context.Context, msg *Message) error

// Publisher publishes raw bodies to a subject or topic.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}
