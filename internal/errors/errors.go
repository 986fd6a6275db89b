// Package errors defines stable error codes for all failure modes of the
// LSIF server and the helpers used to classify them at the HTTP boundary
// and in the worker.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// BadInput indicates malformed query or path parameters
	BadInput ErrorCode = "BAD_INPUT"
	// InvalidPayload indicates an upload that failed LSIF validation
	InvalidPayload ErrorCode = "INVALID_PAYLOAD"
	// NotIndexed indicates no dump matches the requested repository/commit
	NotIndexed ErrorCode = "NOT_INDEXED"
	// Transient indicates an I/O, queue, or database error the caller may retry
	Transient ErrorCode = "TRANSIENT"
	// Fatal indicates an invariant violation; the operation fails but the
	// process continues
	Fatal ErrorCode = "FATAL"

	// MalformedInput indicates an LSIF element that violates the input schema
	MalformedInput ErrorCode = "MALFORMED_INPUT"
	// UnsupportedVersion indicates an LSIF dump outside the accepted version range
	UnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
	// DanglingReference indicates an edge that refers to an absent element id
	DanglingReference ErrorCode = "DANGLING_REFERENCE"
)

// Error carries a stable code, a short message, and an optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps a cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the error code from err, or Transient if err carries none.
// A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return Transient
}

// IsPayloadError reports whether err was caused by the content of an upload
// rather than by the environment. Payload errors are terminal: retrying the
// same input cannot succeed.
func IsPayloadError(err error) bool {
	switch CodeOf(err) {
	case InvalidPayload, MalformedInput, UnsupportedVersion, DanglingReference:
		return true
	}
	return false
}
