package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Request and lifecycle error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrStaleRequest   ErrorCode = "STALE_REQUEST"
	ErrOverloaded     ErrorCode = "OVERLOADED"
	ErrCancelled      ErrorCode = "CANCELLED"
)

// Checkpoint error codes
const (
	ErrWriteConflict ErrorCode = "WRITE_CONFLICT"
	ErrSerialization ErrorCode = "SERIALIZATION"
	ErrStateCorrupt  ErrorCode = "STATE_CORRUPT"
)

// Node and tool error codes
const (
	ErrToolTimeout        ErrorCode = "TOOL_TIMEOUT"
	ErrToolFailure        ErrorCode = "TOOL_FAILURE"
	ErrNamespaceViolation ErrorCode = "NAMESPACE_VIOLATION"
	ErrRoutingLoop        ErrorCode = "ROUTING_LOOP"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable. Node-level retry in the
// state machine keys off this flag: retryable errors take the bounded
// backoff path, everything else is fatal for the turn.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
