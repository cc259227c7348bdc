// Package apperrors provides structured application errors used across the
// dispatch core, classified through sentinel errors.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidState  = errors.New("invalid state")
	ErrNotSupported  = errors.New("not supported")
	ErrConfiguration = errors.New("configuration error")
	ErrInconsistent  = errors.New("inconsistent state")
	ErrInternal      = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "taskId", "parameters")
	Resource string // For not found/conflict (e.g., "job", "host")
	Op       string // Operation that failed (e.g., "postgres.updateJob")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and, when present, the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
}

// Validation creates an argument error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a duplicate/conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// InvalidState creates an error for an illegal status transition.
func InvalidState(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrInvalidState,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// NotSupported creates an error for an optional capability the backend lacks.
func NotSupported(op string) error {
	return &Error{
		Sentinel: ErrNotSupported,
		Message:  fmt.Sprintf("%s is not supported", op),
		Op:       op,
	}
}

// Configuration creates an error for a misconfigured registry or handler.
func Configuration(message string) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  message,
	}
}

// Inconsistent creates an error signalling that the job store and the
// worker disagree about a job. Callers must not swallow it.
func Inconsistent(op string, cause error) error {
	return &Error{
		Sentinel: ErrInconsistent,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// IsFatal reports whether err must stop a sweep instead of being isolated
// to the job that caused it. Only store/worker inconsistencies are fatal;
// a configuration error is confined to the job it was raised for.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInconsistent)
}
