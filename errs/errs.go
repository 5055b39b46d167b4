// Package errs implements the stable error taxonomy shared by every component.
// Each error carries a Code which maps onto exactly one HTTP status, and a
// message which is safe to show to API callers. Wrapping with fmt.Errorf("...: %w")
// preserves the code; Code() walks the chain.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure. Codes are part of the API contract and
// must never be renamed.
type Code string

const (
	Validation      Code = "VALIDATION"
	NotFound        Code = "NOT_FOUND"
	Unauthorized    Code = "UNAUTHORIZED"
	Forbidden       Code = "FORBIDDEN"
	Conflict        Code = "CONFLICT"
	BusinessRule    Code = "BUSINESS_RULE"
	ExternalService Code = "EXTERNAL_SERVICE"
	Transient       Code = "TRANSIENT"
	Internal        Code = "INTERNAL"
)

// HTTPStatus maps a Code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case BusinessRule:
		return http.StatusUnprocessableEntity
	case ExternalService:
		return http.StatusBadGateway
	case Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// E is a coded error. Message is user-safe; Detail is structured context kept
// out of API responses and written only to logs and audit rows.
type E struct {
	Code    Code
	Message string
	Detail  map[string]interface{}
	cause   error
}

func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *E) Unwrap() error { return e.cause }

// New builds a coded error with a formatted user-safe message.
func New(code Code, format string, args ...interface{}) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and user-safe message to an underlying cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail annotates the error with a structured key/value for audit logs.
func (e *E) WithDetail(key string, value interface{}) *E {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// CodeOf walks the error chain and returns the outermost taxonomy code,
// defaulting to Internal for uncoded errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// MessageOf returns the user-safe message of a coded error, or a generic
// message for uncoded (internal) errors so internals never leak to callers.
func MessageOf(err error) string {
	var e *E
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// IsTransient reports whether the error should be retried in-process.
func IsTransient(err error) bool { return CodeOf(err) == Transient }
