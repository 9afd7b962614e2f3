// Package chat delivers rendered notifications to a chat platform.
package chat

import (
	"errors"
	"fmt"
)

// Kind classifies a delivery failure for recovery.
type Kind int

// Failure kinds.
const (
	// Transient failures are retried on the next tick with state preserved.
	Transient Kind = iota
	// MessageGone means the message handle is stale; a replacement should be posted.
	MessageGone
	// TargetGone means the channel is unreachable; posting should be deactivated.
	TargetGone
)

func (k Kind) String() string {
	switch k {
	case MessageGone:
		return "message_gone"
	case TargetGone:
		return "target_gone"
	default:
		return "transient"
	}
}

// DeliveryError is a classified failure from a send or edit.
type DeliveryError struct {
	Err  error
	Op   string
	Kind Kind
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Classify returns the failure kind of err. Unclassified errors are Transient.
func Classify(err error) Kind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return Transient
}
