// Package svcerr provides a structured service error shared by every HTTP
// handler, so internal failures translate into stable JSON bodies and status
// codes without leaking implementation details.
package svcerr

import (
	"fmt"
	"net/http"
)

// Code identifies a category of failure.
type Code string

const (
	CodeValidation   Code = "VALIDATION"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeInternal     Code = "INTERNAL"
)

// ServiceError is a structured, HTTP-status-bearing error.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a structured detail and returns the receiver for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation reports a malformed or missing request field; callers must not
// mutate state before returning this error.
func Validation(field, reason string) *ServiceError {
	return New(CodeValidation, "invalid request", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Unauthorized reports an admin auth failure.
func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

// RateLimited reports a denied request, carrying the values needed for headers.
func RateLimited(limit, retryAfterSeconds int) *ServiceError {
	return New(CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("retry_after", retryAfterSeconds)
}

// NotFound reports a missing resource.
func NotFound(resource string) *ServiceError {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource)
}

// Internal wraps an unexpected failure that must not leak details to clients.
func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}
