package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Outbox error taxonomy. Callers match with errors.Is.
var (
	ErrPayloadTooLarge      = errors.New("event_data exceeds maximum size")
	ErrInvalidPayload       = errors.New("event_data must be a JSON object")
	ErrInvalidEventType     = errors.New("invalid event type")
	ErrInvalidEntityType    = errors.New("invalid entity type")
	ErrOrganizationRequired = errors.New("organization id is required")
	ErrEntityRequired       = errors.New("entity id is required")

	ErrAlreadyDeadLettered = errors.New("event already dead-lettered")
	ErrStaleAdvance        = errors.New("cursor advance would move backward")
	ErrEventNotFound       = errors.New("outbox event not found")
	ErrDeadLetterNotFound  = errors.New("dead letter entry not found")

	ErrLeaseNotHeld    = errors.New("partition lease not held")
	ErrLeaseLost       = errors.New("partition lease lost")
	ErrSinkUnavailable = errors.New("delivery sink unavailable")
)

// ValidationError rejects an event at append time. Err is one of the
// validation sentinels above.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err rejected an event before it was written.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsOrderingViolation reports whether err signals a broken single-writer
// invariant for a partition.
func IsOrderingViolation(err error) bool {
	return errors.Is(err, ErrStaleAdvance)
}

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrConflict
	ErrInternal
	ErrTimeout
	ErrTooLarge
)

// HTTPStatus maps the code to a response status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func BadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func Conflict(message string, err error) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Message: message,
		Err:     err,
	}
}

func Timeout(err error) *AppError {
	return &AppError{
		Code:    ErrTimeout,
		Message: "request timeout",
		Err:     err,
	}
}

func TooLarge(message string, err error) *AppError {
	return &AppError{
		Code:    ErrTooLarge,
		Message: message,
		Err:     err,
	}
}

func Internal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

// FromDomain translates outbox errors into application errors for the admin API.
func FromDomain(err error) *AppError {
	var appErr *AppError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, ErrDeadLetterNotFound):
		return NotFound("dead letter entry", err)
	case errors.Is(err, ErrEventNotFound):
		return NotFound("event", err)
	case IsValidation(err):
		return BadRequest(err.Error(), err)
	case errors.Is(err, ErrAlreadyDeadLettered):
		return Conflict("event already dead-lettered", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout(err)
	default:
		return Internal(err)
	}
}
