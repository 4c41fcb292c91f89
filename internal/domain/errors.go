package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorType categorizes a dispatch failure.
type ErrorType string

const (
	// ErrorTypeConnection indicates the backend was unreachable or refused
	// the connection.
	ErrorTypeConnection ErrorType = "connection"

	// ErrorTypeTimeout indicates the attempt deadline was exceeded.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeServer indicates the backend returned an error status.
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeRateLimited indicates the backend signaled throttling.
	ErrorTypeRateLimited ErrorType = "rate_limited"

	// ErrorTypeMalformedResponse indicates the response body failed to parse
	// or validate.
	ErrorTypeMalformedResponse ErrorType = "malformed_response"

	// ErrorTypeAllBackendsUnavailable indicates every backend in the failover
	// chain failed. Internal only: the orchestrator converts it into a
	// degraded response instead of surfacing it to callers.
	ErrorTypeAllBackendsUnavailable ErrorType = "all_backends_unavailable"
)

// DispatchError is the canonical error raised by a dispatch or probe attempt.
// The orchestrator catches it at its boundary, feeds the circuit breaker and
// health monitor, and fails over; it is never re-thrown to the caller.
type DispatchError struct {
	// Type is the failure category.
	Type ErrorType

	// Backend is the backend the attempt targeted.
	Backend BackendName

	// Message is the human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Type, e.Backend, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError creates a dispatch error of the given type.
func NewDispatchError(errType ErrorType, backend BackendName, message string) *DispatchError {
	return &DispatchError{
		Type:    errType,
		Backend: backend,
		Message: message,
	}
}

// WithCause attaches the underlying error.
func (e *DispatchError) WithCause(err error) *DispatchError {
	e.Err = err
	return e
}

// Convenience constructors for common failures

// ErrConnection creates a connection error.
func ErrConnection(backend BackendName, err error) *DispatchError {
	return NewDispatchError(ErrorTypeConnection, backend, err.Error()).WithCause(err)
}

// ErrTimeout creates a deadline-exceeded error.
func ErrTimeout(backend BackendName, message string) *DispatchError {
	return NewDispatchError(ErrorTypeTimeout, backend, message)
}

// ErrServer creates an error-status error.
func ErrServer(backend BackendName, message string) *DispatchError {
	return NewDispatchError(ErrorTypeServer, backend, message)
}

// ErrRateLimited creates a throttling error.
func ErrRateLimited(backend BackendName, message string) *DispatchError {
	return NewDispatchError(ErrorTypeRateLimited, backend, message)
}

// ErrMalformedResponse creates a parse/validation error.
func ErrMalformedResponse(backend BackendName, err error) *DispatchError {
	return NewDispatchError(ErrorTypeMalformedResponse, backend, err.Error()).WithCause(err)
}

// ErrAllBackendsUnavailable creates the terminal failover error.
func ErrAllBackendsUnavailable(message string) *DispatchError {
	return NewDispatchError(ErrorTypeAllBackendsUnavailable, "", message)
}

// ClassifyDispatchError normalizes an arbitrary transport error into a
// DispatchError for the given backend. Deadline expiry is treated the same as
// a connection failure: it increments the breaker failure count and triggers
// failover.
func ClassifyDispatchError(backend BackendName, err error) *DispatchError {
	var derr *DispatchError
	if errors.As(err, &derr) {
		if derr.Backend == "" {
			derr.Backend = backend
		}
		return derr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout(backend, err.Error())
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimeout(backend, err.Error())
	}

	return ErrConnection(backend, err)
}
