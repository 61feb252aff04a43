// Package shared provides the error taxonomy used across the service.
package shared

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable machine-readable error identifier. Codes are part of
// the API contract and are never changed once published.
type ErrorCode string

const (
	CodeValidation     ErrorCode = "validation_failed"
	CodeQuotaExceeded  ErrorCode = "quota_exceeded"
	CodeNotFound       ErrorCode = "not_found"
	CodeForbidden      ErrorCode = "forbidden"
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeInvalidState   ErrorCode = "invalid_state"
	CodeProvision      ErrorCode = "provision_failed"
	CodeTeardown       ErrorCode = "teardown_failed"
	CodeDependency     ErrorCode = "dependency_unavailable"
	CodeSessionExpired ErrorCode = "session_expired"
	CodeInternal       ErrorCode = "internal_error"
)

// Error is a domain error with a stable code. Adapter-specific causes are
// wrapped, never exposed verbatim to API clients.
type Error struct {
	Code    ErrorCode
	Message string
	Details any
	// Transient marks runtime failures worth retrying with backoff.
	Transient bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by code so callers can compare against sentinel values.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error wrapping a cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WrapTransient creates a retryable Error wrapping a cause.
func WrapTransient(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause, Transient: true}
}

// WithDetails returns a copy of e carrying extra detail for API responses.
func (e *Error) WithDetails(details any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// CodeOf extracts the error code from err, defaulting to internal_error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsTransient reports whether err is a retryable runtime failure.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}

// HTTPStatus maps an error to its conventional HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodeSessionExpired:
		return http.StatusGone
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
