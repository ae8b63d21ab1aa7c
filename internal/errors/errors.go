package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Type represents the category of error
type Type string

const (
	// Error types
	TypeTransport  Type = "transport"  // Network/connection failures talking to the runtime
	TypeAuth       Type = "auth"       // Authentication or authorization rejected
	TypeClient     Type = "client"     // Runtime rejected the request (4xx)
	TypeServer     Type = "server"     // Runtime-side failures (5xx)
	TypeTimeout    Type = "timeout"    // Operation or request deadline exceeded
	TypeValidation Type = "validation" // Input or payload validation errors
	TypeNotFound   Type = "not_found"  // Resource not found errors
	TypeConflict   Type = "conflict"   // Resource conflict errors
	TypeInternal   Type = "internal"   // Internal orchestrator errors
)

// Error is the categorised error type carried across the service
type Error struct {
	Type       Type   `json:"type"`
	Op         string `json:"op,omitempty"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, e.Op+":")
	}

	parts = append(parts, e.Message)

	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("(status %d)", e.StatusCode))
	}

	if e.cause != nil {
		parts = append(parts, fmt.Sprintf("caused by: %v", e.cause))
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.cause
}

// Is implements errors.Is matching on category
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithStatus sets the upstream HTTP status code
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// New creates a categorised error
func New(errType Type, op, message string) *Error {
	return &Error{
		Type:    errType,
		Op:      op,
		Message: message,
	}
}

// Newf creates a categorised error with a formatted message
func Newf(errType Type, op, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with category and operation context.
// Wrapping nil returns nil so call sites can wrap unconditionally.
func Wrap(err error, errType Type, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Type:    errType,
		Op:      op,
		Message: message,
		cause:   err,
	}
}

// TypeOf returns the category of err, unwrapping as needed.
// Errors without a category report TypeInternal.
func TypeOf(err error) Type {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return TypeInternal
}

// IsType reports whether err carries the given category
func IsType(err error, errType Type) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type == errType
	}
	return false
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	return IsType(err, TypeNotFound)
}

// IsRetryable reports whether the error category is worth retrying
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case TypeTransport, TypeTimeout, TypeServer:
		return true
	default:
		return false
	}
}

// FromStatusCode maps an upstream HTTP status to an error category
func FromStatusCode(code int) Type {
	switch {
	case code == 401 || code == 403:
		return TypeAuth
	case code == 404:
		return TypeNotFound
	case code == 408:
		return TypeTimeout
	case code == 409:
		return TypeConflict
	case code >= 400 && code < 500:
		return TypeClient
	case code >= 500:
		return TypeServer
	default:
		return TypeInternal
	}
}
