// Package errors provides the application error type and the error code
// taxonomy shared between services and the HTTP layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeTaskConflict      = "TASK_CONFLICT"
	ErrCodeTaskNotFound      = "TASK_NOT_FOUND"
	ErrCodeTaskNotRunning    = "TASK_NOT_RUNNING"
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodeProfileNotFound   = "PROFILE_NOT_FOUND"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeValidationError   = "VALIDATION_ERROR"
	ErrCodeConfigError       = "CONFIG_ERROR"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
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

// WithDetails returns the error with the given details map attached.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// TaskConflict creates an error for a second RUNNING task under the same key.
func TaskConflict(clientID, requestID string) *AppError {
	return &AppError{
		Code:       ErrCodeTaskConflict,
		Message:    fmt.Sprintf("task %s:%s is already running", clientID, requestID),
		HTTPStatus: http.StatusConflict,
	}
}

// TaskNotFound creates an error for an operation on an absent task.
func TaskNotFound(clientID, requestID string) *AppError {
	return &AppError{
		Code:       ErrCodeTaskNotFound,
		Message:    fmt.Sprintf("task %s:%s not found", clientID, requestID),
		HTTPStatus: http.StatusNotFound,
	}
}

// TaskNotRunning creates an error for an operation valid only in RUNNING state.
func TaskNotRunning(clientID, requestID string) *AppError {
	return &AppError{
		Code:       ErrCodeTaskNotRunning,
		Message:    fmt.Sprintf("task %s:%s is not running", clientID, requestID),
		HTTPStatus: http.StatusConflict,
	}
}

// SessionNotFound creates an error for an unknown agent session id.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotFound,
		Message:    fmt.Sprintf("no running task for session '%s'", sessionID),
		HTTPStatus: http.StatusNotFound,
	}
}

// ProfileNotFound creates an error for an unknown credential profile.
func ProfileNotFound(name string) *AppError {
	return &AppError{
		Code:       ErrCodeProfileNotFound,
		Message:    fmt.Sprintf("profile '%s' does not exist", name),
		HTTPStatus: http.StatusNotFound,
	}
}

// AdmissionDenied creates an error for the concurrent-run cap being reached.
func AdmissionDenied(maxConcurrent int) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimitExceeded,
		Message:    fmt.Sprintf("maximum concurrent sessions (%d) reached", maxConcurrent),
		HTTPStatus: http.StatusServiceUnavailable,
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

// InvalidArgument creates a validation error.
func InvalidArgument(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ConfigError creates an error for missing or broken server configuration.
func ConfigError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConfigError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Unavailable creates a CONFIG_ERROR with a 503 status for optional
// subsystems that are not configured.
func Unavailable(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConfigError,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Internal creates a new internal server error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
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
			Details:    appErr.Details,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// HasCode checks whether err carries the given application error code.
func HasCode(err error, code string) bool {
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
