// Package errors provides the error taxonomy shared by the dbgbridge services.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeDisposed            = "DISPOSED"
	ErrCodeInvalidArgument     = "INVALID_ARGUMENT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeDebuggerUnavailable = "DEBUGGER_UNAVAILABLE"
	ErrCodeTransient           = "TRANSIENT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
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

// Disposed creates an error for operations invoked after shutdown.
func Disposed(resource string) *AppError {
	return &AppError{
		Code:       ErrCodeDisposed,
		Message:    fmt.Sprintf("%s has been disposed", resource),
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidArgument creates an error for null/empty ids or commands.
func InvalidArgument(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidArgument,
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

// Cancelled creates an error for cooperatively cancelled operations.
func Cancelled(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Timeout creates an error for operations that exceeded their deadline.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// DebuggerUnavailable creates an error for a missing binary, failed start,
// or inactive debugger session.
func DebuggerUnavailable(message string) *AppError {
	return &AppError{
		Code:       ErrCodeDebuggerUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Transient creates an error for recoverable stream read/write failures.
func Transient(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransient,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// Internal creates a new internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
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

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsDisposed checks if the error is a disposed error.
func IsDisposed(err error) bool { return hasCode(err, ErrCodeDisposed) }

// IsInvalidArgument checks if the error is an invalid argument error.
func IsInvalidArgument(err error) bool { return hasCode(err, ErrCodeInvalidArgument) }

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsCancelled checks if the error is a cancellation error.
func IsCancelled(err error) bool { return hasCode(err, ErrCodeCancelled) }

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsDebuggerUnavailable checks if the error reports a lost or missing debugger.
func IsDebuggerUnavailable(err error) bool { return hasCode(err, ErrCodeDebuggerUnavailable) }

// IsTransient checks if the error is a recoverable stream failure.
func IsTransient(err error) bool { return hasCode(err, ErrCodeTransient) }

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
