// Package errors provides error codes shared by the sync engine and its collaborators.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrCorrupt    ErrorCode = "CORRUPT_DATA"

	// Local persistence errors
	ErrQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	ErrStorage       ErrorCode = "STORAGE_ERROR"

	// Sync errors
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrRemoteNotFound    ErrorCode = "REMOTE_NOT_FOUND"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
	ErrUnknownStrategy   ErrorCode = "UNKNOWN_STRATEGY"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"

	// Remote transport errors
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrAccessDenied       ErrorCode = "ACCESS_DENIED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrNetwork            ErrorCode = "NETWORK_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// StatusError carries the transport status of a failed remote call.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
	// RetryAfter is the server's reset hint, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("remote returned status %d", e.StatusCode)
}

// RetryAfterHint returns the server supplied wait before the next attempt.
func (e *StatusError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}
