package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable reason sent in HTTP error bodies and in
// WebSocket error frames.
type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeConflict          Code = "CONFLICT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeRateLimited       Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal          Code = "INTERNAL_ERROR"
	CodeUnavailable       Code = "SERVICE_UNAVAILABLE"
)

var statuses = map[Code]int{
	CodeInvalidInput:      http.StatusBadRequest,
	CodeNotFound:          http.StatusNotFound,
	CodeUnauthorized:      http.StatusUnauthorized,
	CodeForbidden:         http.StatusForbidden,
	CodeConflict:          http.StatusConflict,
	CodeInvalidTransition: http.StatusUnprocessableEntity,
	CodeRateLimited:       http.StatusTooManyRequests,
	CodeUnavailable:       http.StatusServiceUnavailable,
}

// Status is the HTTP status a code is answered with. Unknown codes are 500.
func (c Code) Status() int {
	if s, ok := statuses[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a failure a client is allowed to see.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus is shorthand for e.Code.Status().
func (e *Error) HTTPStatus() int { return e.Code.Status() }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap exposes err's text to the client under code.
func Wrap(err error, code Code) *Error {
	return &Error{Code: code, Message: err.Error(), Cause: err}
}

// As finds the first *Error in err's chain.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func InvalidInput(message string) *Error { return New(CodeInvalidInput, message) }

func NotFound(resource string) *Error { return New(CodeNotFound, resource+" not found") }

func Unauthorized(message string) *Error { return New(CodeUnauthorized, message) }

func Forbidden(message string) *Error { return New(CodeForbidden, message) }

func Conflict(message string) *Error { return New(CodeConflict, message) }

func RateLimited() *Error { return New(CodeRateLimited, "rate limit exceeded") }

func Internal(message string) *Error { return New(CodeInternal, message) }

func Unavailable(message string) *Error { return New(CodeUnavailable, message) }
