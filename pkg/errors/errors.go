// Package errors provides structured error types for labctl.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeDuplicate     ErrorCode = "DUPLICATE"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodePoolExhausted ErrorCode = "POOL_EXHAUSTED"
	ErrCodeRetryable     ErrorCode = "RETRYABLE"
	ErrCodeFatal         ErrorCode = "FATAL"
	ErrCodeBackend       ErrorCode = "BACKEND_ERROR"
	ErrCodeLocked        ErrorCode = "STATE_LOCKED"
	ErrCodeCancelled     ErrorCode = "CANCELLED"
)

// Error is the base error type for labctl
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// ValidationError creates a validation error. The reason identifies the
// structural problem, e.g. "cycle" or "dangling_dependency".
func ValidationError(reason, message string) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Details: map[string]interface{}{
			"reason": reason,
		},
	}
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resourceType, id),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"id":            id,
		},
	}
}

// DuplicateError creates a duplicate-id error
func DuplicateError(resourceType, id string) *Error {
	return &Error{
		Code:    ErrCodeDuplicate,
		Message: fmt.Sprintf("%s %q already declared", resourceType, id),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"id":            id,
		},
	}
}

// PoolExhaustedError indicates an allocator pool has no remaining capacity.
func PoolExhaustedError(platform, pool string) *Error {
	return &Error{
		Code:    ErrCodePoolExhausted,
		Message: fmt.Sprintf("pool %q exhausted on platform %q", pool, platform),
		Details: map[string]interface{}{
			"platform": platform,
			"pool":     pool,
		},
	}
}

// ConflictError indicates an optimistic-versioning conflict on a registry row.
func ConflictError(id string, expected, actual int64) *Error {
	return &Error{
		Code:    ErrCodeConflict,
		Message: fmt.Sprintf("resource %q modified concurrently (version %d, expected %d)", id, actual, expected),
		Details: map[string]interface{}{
			"id":       id,
			"expected": expected,
			"actual":   actual,
		},
	}
}

// Retryable wraps a transient platform-side failure (timeout, lock
// contention, rate limit). The engine retries these with backoff.
func Retryable(message string, cause error) *Error {
	return &Error{
		Code:    ErrCodeRetryable,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// Fatal wraps a permanent platform-side rejection (invalid spec, quota,
// authorization). Never retried.
func Fatal(message string, cause error) *Error {
	return &Error{
		Code:    ErrCodeFatal,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// BackendError creates a storage backend error
func BackendError(backend string, operation string, err error) *Error {
	return &Error{
		Code:    ErrCodeBackend,
		Message: fmt.Sprintf("backend %s failed during %s", backend, operation),
		Cause:   err,
		Details: map[string]interface{}{
			"backend":   backend,
			"operation": operation,
		},
	}
}

// Is checks if the error matches the given code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Code returns the error code of err, or empty string if err is not an *Error.
func Code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the error is classified as transient.
func IsRetryable(err error) bool {
	return Is(err, ErrCodeRetryable)
}
