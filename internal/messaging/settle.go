package messaging

import (
	"context"
	"fmt"
)

// Action is how a consumer settles a message with its broker.
type Action int

const (
	ActionAck Action = iota
	// ActionRetry asks the broker to deliver the message again.
	ActionRetry
	// ActionDeadLetter moves the message aside and stops redelivery.
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// DeadLetterFunc stores a message that failed with err.
type DeadLetterFunc func(ctx context.Context, msg *Message, err error) error

// Settle decides the action for a handler result on the given delivery
// attempt (starting at 1). Terminal errors are dead-lettered at once; other
// errors are retried until the attempt that reaches maxAttempts. A
// non-positive maxAttempts retries forever.
func Settle(err error, attempt uint64, maxAttempts int, terminal func(error) bool) Action {
	switch {
	case err == nil:
		return ActionAck
	case terminal != nil && terminal(err):
		return ActionDeadLetter
	case maxAttempts > 0 && attempt >= uint64(maxAttempts):
		return ActionDeadLetter
	default:
		return ActionRetry
	}
}
