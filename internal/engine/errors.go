package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while processing an event.
//
// Runtime errors include:
//   - Handler failure: the handler returned an error
//   - Handler timeout: the handler did not return within the timeout
//   - Handler panic: the handler panicked
//   - Unknown type: no handler is registered for the action type
//   - Intake failure: the event could not be turned into a context
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// ActionID identifies the affected action, if any.
	ActionID string

	// Resource is the event's resource, as "type/value".
	Resource string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeHandlerFailed indicates the handler returned an error.
	ErrCodeHandlerFailed RuntimeErrorCode = "HANDLER_FAILED"

	// ErrCodeHandlerTimeout indicates the handler exceeded its time budget.
	ErrCodeHandlerTimeout RuntimeErrorCode = "HANDLER_TIMEOUT"

	// ErrCodeHandlerPanic indicates the handler panicked.
	ErrCodeHandlerPanic RuntimeErrorCode = "HANDLER_PANIC"

	// ErrCodeUnknownType indicates no handler is registered for a type.
	ErrCodeUnknownType RuntimeErrorCode = "UNKNOWN_TYPE"

	// ErrCodeIntakeFailed indicates the event could not be processed.
	ErrCodeIntakeFailed RuntimeErrorCode = "INTAKE_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ActionID != "" {
		msg += fmt.Sprintf(" (action=%s)", e.ActionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsHandlerError returns true if the error came from a handler invocation
// (failure, timeout or panic). Uses errors.As to handle wrapped errors.
func IsHandlerError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		switch re.Code {
		case ErrCodeHandlerFailed, ErrCodeHandlerTimeout, ErrCodeHandlerPanic:
			return true
		}
	}
	return false
}

// IsTimeoutError returns true if the error is a handler timeout.
func IsTimeoutError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeHandlerTimeout
	}
	return false
}

// IsIntakeError returns true if the event itself could not be processed.
func IsIntakeError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeIntakeFailed
	}
	return false
}

func newIntakeError(msg string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeIntakeFailed, Message: msg, Err: err}
}
