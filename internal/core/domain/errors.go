package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of failure categories every fallible
// operation attaches to its error value. The resilience layer decides
// retryability by switching on the kind, never on message text.
type ErrorKind string

const (
	// KindInvalidArgument indicates a caller error. Never retried.
	KindInvalidArgument ErrorKind = "invalid_argument"

	// KindNotFound indicates a session or conversation was not found.
	KindNotFound ErrorKind = "not_found"

	// KindConversationMismatch indicates the caller named a conversation
	// that does not own the session.
	KindConversationMismatch ErrorKind = "conversation_mismatch"

	// KindNotTerminable indicates the session is already terminal or
	// past its deadline.
	KindNotTerminable ErrorKind = "not_terminable"

	// KindCapacityExceeded indicates the registry is full.
	KindCapacityExceeded ErrorKind = "capacity_exceeded"

	// KindCircuitOpen indicates the breaker for the operation tripped.
	KindCircuitOpen ErrorKind = "circuit_open"

	// KindConflict indicates a duplicate insert. A duplicate session ID
	// is a logic error, not something to paper over.
	KindConflict ErrorKind = "conflict"

	// KindUnavailable indicates a transient store or backend failure
	// (timeouts, connection loss). The only retryable kind.
	KindUnavailable ErrorKind = "unavailable"

	// KindInternal indicates an unclassified server-side failure.
	KindInternal ErrorKind = "internal"
)

// Error is the canonical error value for the engine.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Op names the operation that failed, e.g. "store.terminate".
	Op string `json:"op,omitempty"`

	// Err is the wrapped cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Only unavailable
// errors qualify; everything else reflects a decision that will not
// change on a second attempt.
func (e *Error) Retryable() bool { return e.Kind == KindUnavailable }

// HTTPStatusCode maps the kind to a status code for the transport layer.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConversationMismatch:
		return http.StatusForbidden
	case KindNotTerminable, KindConflict:
		return http.StatusConflict
	case KindCapacityExceeded:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// E constructs an Error.
func E(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Ef constructs an Error with a formatted message.
func Ef(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to a cause.
func Wrap(kind ErrorKind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// reported as internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err carries a retryable kind.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
