package bus

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnection reports a connection-level failure. Subscriptions return
	// it once the underlying connection is gone; callers reconnect.
	ErrConnection = errors.New("bus: connection error")

	// ErrNotConnected is returned by a Session with no live connection.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrTimeout is returned when a request receives no response in time.
	ErrTimeout = errors.New("bus: timeout")

	// ErrAlreadyResolved is returned by a guarded message when Ack or Nak
	// is called after the message was already resolved.
	ErrAlreadyResolved = errors.New("bus: message already resolved")

	// ErrSubscriptionClosed is returned by Next after Stop.
	ErrSubscriptionClosed = errors.New("bus: subscription closed")

	// ErrNoStream is wrapped in a PublishError when no stream captures the
	// subject.
	ErrNoStream = errors.New("bus: no stream for subject")
)

// PublishError is returned when the server rejects a publish.
type PublishError struct {
	Subject string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("bus: publish %q: %v", e.Subject, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a bus failure worth retrying later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *PublishError
	return errors.As(err, &pe) && !errors.Is(pe.Err, ErrNoStream)
}
