// Package errors provides coded application errors shared by the sync engine
// and the local HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code surfaced to the UI.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Storage errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Network errors
	ErrNetwork      ErrorCode = "NETWORK_ERROR"
	ErrUploadFailed ErrorCode = "UPLOAD_FAILED"
	ErrOffline      ErrorCode = "OFFLINE"
	ErrTimeout      ErrorCode = "TIMEOUT"
	ErrBusy         ErrorCode = "SYNC_IN_PROGRESS"

	// Media errors
	ErrCompression ErrorCode = "COMPRESSION_FAILED"

	// Shift/job state errors
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
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

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// HTTPStatus maps an error code to the HTTP status used by the local API.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrInvalid, ErrInvalidTransition, ErrCompression:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrBusy:
		return http.StatusConflict
	case ErrOffline, ErrNetwork, ErrUploadFailed:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
