package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/abrezinsky/planningpoker/internal/errors"
	"github.com/abrezinsky/planningpoker/internal/models"
)

// APIError represents an error with an HTTP status code and error code
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return e.Message
}

// NewAPIError creates a new API error with custom message and code
func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// BadRequest creates a 400 error with custom message
func BadRequest(message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: models.CodeBadRequest, Message: message}
}

// NotFound creates a 404 error with custom message
func NotFound(message string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: models.CodeNotFound, Message: message}
}

// InternalError creates a 500 error without exposing the cause
func InternalError() *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: models.CodeInternal, Message: "Internal server error"}
}

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondOK writes a 200 OK JSON response
func respondOK(w http.ResponseWriter, data any) {
	respondJSON(w, http.StatusOK, data)
}

// respondError writes an error response, logging internal failures
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := ToAPIError(err)
	if apiErr.Status >= http.StatusInternalServerError && h.log != nil {
		h.log.Error("Request failed", "path", r.URL.Path, "error", err)
	}
	respondJSON(w, apiErr.Status, apiErr)
}

// ToAPIError converts application errors to API errors
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		switch appErr.Kind {
		case errors.ErrNotFound:
			return NotFound(appErr.Message)
		case errors.ErrValidation:
			return &APIError{Status: http.StatusBadRequest, Code: models.CodeValidation, Message: appErr.Message}
		case errors.ErrInvalidInput:
			return BadRequest(appErr.Message)
		case errors.ErrConflict:
			return &APIError{Status: http.StatusConflict, Code: models.CodeBadRequest, Message: appErr.Message}
		}
	}
	return InternalError()
}
