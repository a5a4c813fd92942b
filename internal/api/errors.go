// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rules-engine/ocr-service/internal/breaker"
	"github.com/rules-engine/ocr-service/internal/job"
	"github.com/rules-engine/ocr-service/internal/pdf"
	"github.com/rules-engine/ocr-service/internal/storage"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewPayloadTooLargeError creates a 413 Payload Too Large error
func NewPayloadTooLargeError(message string) *APIError {
	return &APIError{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "PAYLOAD_TOO_LARGE",
		Message: message,
	}
}

// NewInsufficientStorageError creates a 507 Insufficient Storage error
func NewInsufficientStorageError(message string) *APIError {
	return &APIError{
		Status:  http.StatusInsufficientStorage,
		Code:    "INSUFFICIENT_STORAGE",
		Message: message,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// FromPipelineError maps pipeline sentinel errors onto API errors so every
// handler reports the same status for the same failure class.
func FromPipelineError(err error) *APIError {
	switch {
	case errors.Is(err, pdf.ErrInvalidDocument):
		return NewBadRequestError("file is not a readable PDF", err)
	case errors.Is(err, pdf.ErrChunkTooLarge):
		return NewPayloadTooLargeError(err.Error())
	case errors.Is(err, storage.ErrTooLarge):
		return NewPayloadTooLargeError(err.Error())
	case errors.Is(err, pdf.ErrInsufficientStorage):
		return NewInsufficientStorageError(err.Error())
	case errors.Is(err, breaker.ErrOpen):
		return NewServiceUnavailableError("analysis backend unavailable")
	case errors.Is(err, job.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return NewNotFoundError("resource", err.Error())
	case errors.Is(err, pdf.ErrToolFailure), errors.Is(err, pdf.ErrConversionFailed):
		return NewInternalError("PDF processing failed", err)
	default:
		return NewInternalError("unexpected error", err)
	}
}

// ErrorHandler middleware for Echo
// Usage: e.HTTPErrorHandler = api.ErrorHandler
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *APIError

	switch e := err.(type) {
	case *APIError:
		apiErr = e
	case *echo.HTTPError:
		apiErr = &APIError{
			Status:  e.Code,
			Code:    "HTTP_ERROR",
			Message: fmt.Sprintf("%v", e.Message),
		}
	default:
		apiErr = &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "UNKNOWN_ERROR",
			Message: "An unexpected error occurred",
			Details: err.Error(),
		}
	}

	if !c.Response().Committed {
		c.JSON(apiErr.Status, apiErr)
	}
}
