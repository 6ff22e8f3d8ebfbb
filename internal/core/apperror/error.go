// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All business errors surfaced to callers use AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Infrastructure errors (5xx)
	CodeInternal = "INTERNAL_ERROR"
	CodeSystem   = "SYSTEM_ERROR"

	// Validation errors (400)
	CodeValidation = "VALIDATION_ERROR"

	// Reconciliation errors recorded into a run's error list
	CodeItemValidation = "ITEM_VALIDATION_ERROR"
	CodePersistence    = "PERSISTENCE_ERROR"

	// Structural prerequisites missing (reported by diagnostics)
	CodeConfiguration = "CONFIGURATION_ERROR"

	// Authorization errors (401)
	CodeUnauthorized = "UNAUTHORIZED"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Conflict (409)
	CodeSyncInProgress       = "SYNC_IN_PROGRESS"
	CodeConflict             = "CONFLICT"
	CodeIdempotencyConflict  = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyKeyReused = "IDEMPOTENCY_KEY_REUSED"
)

// AppError is the standard error type for the service.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (field errors, item codes, etc.)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a request validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewItemValidation creates an error for a catalog item that fails required-field checks.
// It is recorded into the run's error list and never aborts a run.
func NewItemValidation(itemCode, message string) *AppError {
	return &AppError{
		Code:       CodeItemValidation,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"item_code": itemCode},
	}
}

// NewPersistence creates an error for a failed write against the stock dataset.
func NewPersistence(message string, cause error) *AppError {
	return &AppError{
		Code:       CodePersistence,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        cause,
	}
}

// NewSyncInProgress is returned when a run is triggered while another one holds the lock.
func NewSyncInProgress(activeRunID string) *AppError {
	e := &AppError{
		Code:       CodeSyncInProgress,
		Message:    "A stock synchronization is already running",
		HTTPStatus: http.StatusConflict,
	}
	if activeRunID != "" {
		e.WithDetail("active_run_id", activeRunID)
	}
	return e
}

// NewSystem wraps an unexpected failure that aborted an operation.
// The message of the cause is surfaced to the caller.
func NewSystem(err error) *AppError {
	msg := "Unexpected system failure"
	if err != nil {
		msg = err.Error()
	}
	return &AppError{
		Code:       CodeSystem,
		Message:    msg,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUnauthorized creates an authentication error (401)
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewIdempotencyConflict is returned while a request with the same key is still in flight.
func NewIdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotencyConflict,
		Message:    "A request with this idempotency key is still being processed",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// NewIdempotencyMismatch is returned when a key is reused for a different request.
func NewIdempotencyMismatch(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotencyKeyReused,
		Message:    "Idempotency key was already used for a different request",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// --- Helper functions ---

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsSyncInProgress checks if error is CodeSyncInProgress
func IsSyncInProgress(err error) bool {
	return HasCode(err, CodeSyncInProgress)
}
