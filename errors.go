package jetsync

import (
	"errors"
	"fmt"
)

// Error represents a jetsync library error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for jetsync operations.
const (
	// ErrCodeConfiguration indicates bad or missing settings. Raised at
	// configure/validate time and fatal to startup.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeConnection indicates a transport-level failure. Fatal after
	// retry exhaustion on initial connect, self-healing on reconnect.
	ErrCodeConnection = "CONNECTION_ERROR"

	// ErrCodeTopology indicates a stream/subject reconciliation problem.
	// Overlap conditions are never surfaced under this code; only truly
	// unexpected broker errors are.
	ErrCodeTopology = "TOPOLOGY_ERROR"

	// ErrCodePublish indicates message dispatch failed.
	ErrCodePublish = "PUBLISH_ERROR"

	// ErrCodeConsumer indicates a consumer-side processing failure.
	ErrCodeConsumer = "CONSUMER_ERROR"

	// ErrCodeDatabase indicates an outbox/inbox persistence failure.
	ErrCodeDatabase = "DATABASE_ERROR"

	// ErrCodeNoData indicates no record was found.
	ErrCodeNoData = "NO_DATA"
)

// Common errors.
var (
	// ErrNoData is returned when a repository query finds no record.
	// This is not necessarily an error condition in all cases.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrNotConnected is returned when a stream-context handle is requested
	// while the connection manager is not in the Connected state.
	ErrNotConnected = &Error{
		Code:    ErrCodeConnection,
		Message: "not connected",
	}

	// ErrPublishInFlight is returned when another process holds the
	// outbox claim for the same event id.
	ErrPublishInFlight = &Error{
		Code:    ErrCodePublish,
		Message: "a publish attempt for this event id is already in flight",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	var jsErr *Error
	if errors.As(err, &jsErr) {
		return jsErr.Code == ErrCodeNoData
	}
	return errors.Is(err, ErrNoData)
}
