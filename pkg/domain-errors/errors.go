// Package errors provides coded domain errors shared across services.
//
// Services return coded errors so transports can translate them into stable
// HTTP responses without inspecting error strings. Stores should return
// pkg/platform/sentinel errors instead; services translate at the boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of domain error.
type Code string

const (
	CodeInvalidInput Code = "invalid_input"
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeExpired      Code = "expired"
	CodeTimeout      Code = "timeout"
	CodeInternal     Code = "internal_error"

	// Compliance-specific codes. These map to the failure taxonomy of the
	// integrity core: none of them may be downgraded to a warning.
	CodeIntegrityViolation Code = "integrity_violation"
	CodeContentChanged     Code = "content_changed"
	CodeClockUnavailable   Code = "clock_unavailable"
	CodeAuthFailed         Code = "authentication_failed"
)

// Error is a domain error with a stable code and human-readable message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message while preserving the cause chain.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Is is an alias of HasCode kept for call-site readability.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a domain error code to an HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput, CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeContentChanged:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeClockUnavailable:
		return http.StatusServiceUnavailable
	case CodeIntegrityViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
