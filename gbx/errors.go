package gbx

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidEnvelope          = errors.New("invalid envelope")
	ErrTxNotFound               = errors.New("no transaction found in the context")
	ErrLeaseLost                = errors.New("the lease is no longer owned by this dispatcher")
	ErrClaimLost                = errors.New("the incoming record is no longer being processed by this worker")
	ErrSerialization            = errors.New("payload could not be deserialized")
	ErrHandlerAlreadyRegistered = errors.New("handler already registered")
	ErrInvalidRegistration      = errors.New("invalid handler registration")
	ErrInboxDisabled            = errors.New("no inbox repository configured")
	ErrRecordNotFound           = errors.New("record not found")
)

// PublishError is the single failure signal a Broadcaster returns. It wraps
// whatever the transport reported.
type PublishError struct {
	EventId   uuid.UUID
	Transport string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing event %s through %s: %v", e.EventId, e.Transport, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// NewPublishError wraps err unless it already is a *PublishError.
func NewPublishError(transport string, eventId uuid.UUID, err error) error {
	var pe *PublishError
	if errors.As(err, &pe) {
		return err
	}
	return &PublishError{EventId: eventId, Transport: transport, Err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as non-retryable: the incoming event is
// dead-lettered on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or is a
// serialization failure.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) || errors.Is(err, ErrSerialization)
}
