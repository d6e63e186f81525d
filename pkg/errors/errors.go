// Package errors provides structured error handling for Tessera with error
// categorization and key-value context. Error types map directly onto the
// engine's failure taxonomy: connectivity failures are retryable on the next
// scheduled tick, parse failures are absorbed into per-row skip counters, and
// validation/write failures abort the triggering run.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error, used for error handling
// strategies and run-result reporting.
type ErrorType string

const (
	// ErrorTypeConnection represents source or sink connectivity failures.
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeParse represents unrecognized geometry or value encodings.
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeValidation represents malformed configuration or identifiers.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeWrite represents sink transaction failures.
	ErrorTypeWrite ErrorType = "write"
	// ErrorTypeConfig represents configuration errors.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeQuery represents query execution errors.
	ErrorTypeQuery ErrorType = "query"
	// ErrorTypeNotFound represents missing workspace/datastore/layer records.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTimeout represents deadline or cancellation errors.
	ErrorTypeTimeout ErrorType = "timeout"
)

// Error is a categorized error with optional key-value details and a cause.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Chainable.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message.
func New(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a type and message, preserving the
// original as the cause. Returns nil if err is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Type: errType, Message: message, Cause: err}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, errType ErrorType, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...), Cause: err}
}

// IsRetryable reports whether the error should be retried by the caller.
// Connection and timeout errors are retried naturally by the next scheduled
// tick; everything else is terminal for the run that produced it.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Type {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsType checks whether err carries the given error type anywhere in its chain.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}
