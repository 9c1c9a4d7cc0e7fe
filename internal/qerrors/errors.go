package qerrors

import (
	"errors"
	"fmt"
	"time"
)

// Type classifies an error raised by the optimization layer
type Type string

const (
	TypeParse       Type = "parse"
	TypePoolTimeout Type = "pool_timeout"
	TypePoolClosed  Type = "pool_closed"
	TypeConnection  Type = "connection"
	TypeExecution   Type = "execution"
	TypeConfig      Type = "configuration"
)

// Error is a typed error with an optional wrapped cause.
// Execution errors carry the database error verbatim so callers can
// unwrap driver-specific details.
type Error struct {
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	cause     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two Errors by type so sentinel comparisons work with errors.Is
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type
}

// New creates an error without a cause
func New(t Type, msg string) *Error {
	return &Error{Type: t, Message: msg, Timestamp: time.Now()}
}

// Newf creates a formatted error without a cause
func Newf(t Type, format string, args ...interface{}) *Error {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap attaches a typed message to an underlying cause
func Wrap(t Type, msg string, cause error) *Error {
	return &Error{Type: t, Message: msg, Timestamp: time.Now(), cause: cause}
}

// IsType reports whether err (or anything it wraps) carries the given type
func IsType(err error, t Type) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == t
}

// Sentinels for the pool acquisition paths. Compared with errors.Is.
var (
	ErrPoolTimeout = New(TypePoolTimeout, "timed out waiting for a pooled connection")
	ErrPoolClosed  = New(TypePoolClosed, "connection pool is shut down")
)
