// Package mail provides the delivery transports the dispatcher hands
// decrypted capsules to.
package mail

import (
	"context"
	"errors"
)

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporaryError checks if the error is a temporary delivery error.
// Unknown errors are treated as temporary.
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// Message is a fully decrypted capsule ready for delivery.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Transport delivers a decrypted capsule to its recipient. Implementations
// must honor ctx cancellation so a hung upstream is reported as a failure
// rather than blocking the dispatcher.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}
