// Package errors provides the application error taxonomy surfaced by the
// coordinator and worker HTTP APIs. Every AppError carries an HTTP status
// and a retryable hint so clients can decide whether a resubmission makes
// sense.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeNoWorkers        = "NO_WORKERS_AVAILABLE"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodeDispatchFailed   = "DISPATCH_FAILED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeExecutorError    = "EXECUTOR_ERROR"
	ErrCodeNoExecutor       = "NO_EXECUTOR"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with HTTP mapping and a
// retryable hint.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Retryable  bool   `json:"retryable"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ValidationError creates an error for a malformed or out-of-bounds request
// field. Never retryable.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadRequest creates a generic validation error without a field reference.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// NoWorkers signals that the registry has no selectable worker. Retryable
// after backoff.
func NoWorkers() *AppError {
	return &AppError{
		Code:       ErrCodeNoWorkers,
		Message:    "no workers available to accept the task",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

// CapacityExceeded signals that a worker's concurrency cap is hit. Retryable.
func CapacityExceeded(active, max int) *AppError {
	return &AppError{
		Code:       ErrCodeCapacityExceeded,
		Message:    fmt.Sprintf("worker at capacity (%d/%d active tasks)", active, max),
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

// DispatchFailed signals that the coordinator could not reach the chosen
// worker. The task is recorded failed; dispatch is not transparently retried.
func DispatchFailed(endpoint string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeDispatchFailed,
		Message:    fmt.Sprintf("failed to dispatch task to worker at %s", endpoint),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Timeout signals that a task exceeded its deadline.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ExecutorError signals a backend crash or infrastructure failure inside an
// executor. The retryable flag marks known-transient error classes.
func ExecutorError(message string, retryable bool, err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutorError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Retryable:  retryable,
		Err:        err,
	}
}

// NoExecutor signals that no execution provider could supply an executor.
func NoExecutor(err error) *AppError {
	return &AppError{
		Code:       ErrCodeNoExecutor,
		Message:    "no executor available for task",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Err:        err,
	}
}

// InvalidState signals an operation attempted against an executor or task in
// the wrong state.
func InvalidState(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an opaque internal error with a wrapped cause.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, preserving the code,
// status, and retryable hint when the error is already an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Retryable:  appErr.Retryable,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsRetryable reports whether the error carries a retryable hint.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// IsCode reports whether the error is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// AsAppError converts any error to an AppError, wrapping unknown errors as
// internal.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal error", err)
}
