package messaging

import (
	"errors"

	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
)

// Class tells the processor what a delivery error means for the event.
type Class int

const (
	// Transient failures consume an attempt and are retried with backoff.
	Transient Class = iota
	// PermanentFailure dead-letters the event without further attempts.
	PermanentFailure
	// Unavailable defers the partition without consuming an attempt.
	Unavailable
)

func (c Class) String() string {
	switch c {
	case PermanentFailure:
		return "permanent"
	case Unavailable:
		return "unavailable"
	}
	return "transient"
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that retrying cannot fix, such as a payload the
// sink will never accept.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Classify maps a Deliver error to its retry class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Transient
	case IsPermanent(err):
		return PermanentFailure
	case errors.Is(err, apperrors.ErrSinkUnavailable):
		return Unavailable
	}
	return Transient
}
