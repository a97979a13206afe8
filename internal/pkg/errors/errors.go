// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package errors provides structured application errors with stable codes
// and HTTP status mapping for the API layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned to API clients. Treat these as a stable contract.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeValidation    = "VALIDATION_FAILED"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeBusy          = "BUSY"
	CodeLimitExceeded = "LIMIT_EXCEEDED"
	CodeTimeout       = "TIMEOUT"
	CodeUnavailable   = "UNAVAILABLE"
	CodeInternal      = "INTERNAL"
)

// Sentinel errors for use with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrBusy          = errors.New("operation in progress")
	ErrLimitExceeded = errors.New("limit exceeded")
	ErrTimeout       = errors.New("timeout")
	ErrUnavailable   = errors.New("unavailable")
	ErrInternal      = errors.New("internal error")
)

// AppError is a structured error carrying a machine-readable code, a
// human-readable message, an optional wrapped cause, and the HTTP status
// the API layer should respond with.
type AppError struct {
	Code       string
	Message    string
	Err        error
	HTTPStatus int
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// New creates an AppError with the default 500 status.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: http.StatusInternalServerError}
}

// Newf creates an AppError with a formatted message.
func Newf(code, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithStatus creates an AppError with an explicit HTTP status.
func NewWithStatus(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap wraps err in an AppError with the default 500 status.
func Wrap(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err, HTTPStatus: http.StatusInternalServerError}
}

// Wrapf wraps err in an AppError with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WrapWithStatus wraps err with an explicit HTTP status.
func WrapWithStatus(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Err: err, HTTPStatus: status}
}

// WithDetail attaches a single detail entry, initializing the map if needed.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithDetails replaces the detail map.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithHTTPStatus overrides the HTTP status.
func (e *AppError) WithHTTPStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// ============================================================================
// Convenience constructors
// ============================================================================

// NotFound reports a missing resource (404).
func NotFound(resource string) *AppError {
	return NewWithStatus(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// AlreadyExists reports a uniqueness conflict (409).
func AlreadyExists(resource string) *AppError {
	return NewWithStatus(CodeConflict, fmt.Sprintf("%s already exists", resource), http.StatusConflict)
}

// InvalidInput reports a malformed request (400).
func InvalidInput(message string) *AppError {
	return NewWithStatus(CodeBadRequest, message, http.StatusBadRequest)
}

// Busy reports that an exclusive operation is already in progress (409).
func Busy(message string) *AppError {
	return NewWithStatus(CodeBusy, message, http.StatusConflict)
}

// Internal reports an internal failure (500).
func Internal(message string) *AppError {
	return NewWithStatus(CodeInternal, message, http.StatusInternalServerError)
}

// LimitExceeded reports that a resource count is at or over its cap (429).
func LimitExceeded(resource string, current, limit int) *AppError {
	return NewWithStatus(CodeLimitExceeded,
		fmt.Sprintf("%s limit exceeded (%d/%d)", resource, current, limit),
		http.StatusTooManyRequests).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// ValidationFailed reports per-field validation errors (400).
func ValidationFailed(fields map[string]string) *AppError {
	ae := NewWithStatus(CodeValidation, "validation failed", http.StatusBadRequest)
	for k, v := range fields {
		ae.WithDetail(k, v)
	}
	return ae
}

// ============================================================================
// Inspection
// ============================================================================

// GetAppError extracts an AppError from anywhere in err's chain.
func GetAppError(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// HTTPStatusCode maps err to an HTTP status, honouring AppError statuses
// and the package sentinels. Unknown errors map to 500.
func HTTPStatusCode(err error) int {
	if ae, ok := GetAppError(err); ok {
		return ae.HTTPStatus
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict), errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsNotFound reports whether err represents a missing resource.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	if ae, ok := GetAppError(err); ok {
		return ae.Code == CodeNotFound
	}
	return false
}

// IsConflict reports whether err represents a conflict or busy state.
func IsConflict(err error) bool {
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrBusy) {
		return true
	}
	if ae, ok := GetAppError(err); ok {
		return ae.Code == CodeConflict || ae.Code == CodeBusy
	}
	return false
}

// IsValidation reports whether err represents invalid input.
func IsValidation(err error) bool {
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidInput) {
		return true
	}
	if ae, ok := GetAppError(err); ok {
		return ae.Code == CodeValidation || ae.Code == CodeBadRequest
	}
	return false
}

// Is delegates to errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As delegates to errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }
