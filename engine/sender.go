package engine

import (
	"context"
	"errors"
	"fmt"
)

// Message is one rendered message handed to the transport.
type Message struct {
	To          string
	ToName      string
	Subject     string
	Body        string
	TemplateRef string

	EnrollmentID uint
	StepIndex    int
}

// Sender delivers one rendered message. Implementations must be invoked at
// most once per claimed attempt and must respect the context deadline; a
// timeout is classified as retryable, never as an ambiguous state.
type Sender interface {
	Send(ctx context.Context, msg Message) (providerMessageID string, err error)
}

// SendError classifies a delivery failure.
type SendError struct {
	Permanent  bool   // forfeits the step instead of retrying
	HardBounce bool   // additionally feeds the suppression registry
	Msg        string
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *SendError) Unwrap() error { return e.Err }

// RetryableError wraps a transient provider or network failure.
func RetryableError(msg string, err error) *SendError {
	return &SendError{Msg: msg, Err: err}
}

// PermanentError wraps a failure that must not be retried, e.g. content
// rejected by the provider.
func PermanentError(msg string, err error) *SendError {
	return &SendError{Permanent: true, Msg: msg, Err: err}
}

// BounceError wraps a synchronous hard bounce (invalid address rejected at
// send time).
func BounceError(msg string, err error) *SendError {
	return &SendError{Permanent: true, HardBounce: true, Msg: msg, Err: err}
}

// ClassifySendError extracts the SendError classification. Unclassified
// errors (including context deadline) are treated as retryable.
func ClassifySendError(err error) (permanent, hardBounce bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se.Permanent, se.HardBounce
	}
	return false, false
}
