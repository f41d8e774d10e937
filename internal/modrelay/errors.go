package modrelay

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is the umbrella for expected rule violations that are
	// reported to the acting user or staff member rather than logged.
	ErrRejected = errors.New("rejected")

	ErrNoThread         = errors.New("no open thread")
	ErrThreadExists     = errors.New("thread already exists")
	ErrBlocked          = errors.New("user is blocked")
	ErrNoDestination    = errors.New("no destination workspace")
	ErrNoScheduledClose = errors.New("no scheduled close")
	ErrNotMessageAuthor = errors.New("not the author of this message")
	ErrMessageTooLong   = errors.New("message too long")
	ErrInvalidDuration  = errors.New("invalid duration")

	// ErrResourceVanished marks a channel or message that no longer exists
	// on the platform side. Callers degrade rather than surface it.
	ErrResourceVanished = errors.New("resource vanished")

	// ErrDeliveryFailed marks a user-side delivery failure (DMs disabled).
	ErrDeliveryFailed = errors.New("delivery failed")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrPromptClosed = errors.New("prompt closed")
)

// RejectionError wraps one of the rejection sentinels with actor-facing copy.
type RejectionError struct {
	Reason  error
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Reason.Error()
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected || errors.Is(e.Reason, target)
}

func (e *RejectionError) Unwrap() error {
	return e.Reason
}

func reject(reason error, format string, args ...any) error {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is an expected, user-facing rule violation.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}
