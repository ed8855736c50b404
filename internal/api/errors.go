package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/docbox/internal/session"
)

// Error codes returned in API responses
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	ErrCodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	ErrCodeSessionNotFound    = "SESSION_NOT_FOUND"
	ErrCodeSessionNotReady    = "SESSION_NOT_READY"
	ErrCodeInvalidPath        = "INVALID_PATH"
	ErrCodeInvalidCommand     = "INVALID_COMMAND"
	ErrCodeFileNotFound       = "FILE_NOT_FOUND"
	ErrCodeEnvironment        = "ENVIRONMENT_FAILURE"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// APIError represents a structured API error response
type APIError struct {
	Message string `json:"error"`
	Code    string `json:"error_code"`
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{session.ErrValidation, http.StatusBadRequest, ErrCodeValidation},
	{session.ErrUnsupportedVersion, http.StatusBadRequest, ErrCodeUnsupportedVersion},
	{session.ErrCapacityExceeded, http.StatusServiceUnavailable, ErrCodeCapacityExceeded},
	{session.ErrNotFound, http.StatusNotFound, ErrCodeSessionNotFound},
	{session.ErrNotReady, http.StatusConflict, ErrCodeSessionNotReady},
	{session.ErrInvalidPath, http.StatusBadRequest, ErrCodeInvalidPath},
	{session.ErrInvalidCommand, http.StatusBadRequest, ErrCodeInvalidCommand},
	{session.ErrFileNotFound, http.StatusNotFound, ErrCodeFileNotFound},
	{session.ErrEnvironment, http.StatusInternalServerError, ErrCodeEnvironment},
}

// classify maps an error to its HTTP status and code. The first matching
// sentinel wins, so validation classes take precedence over wrapped
// environment failures.
func classify(err error) (int, string) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, ErrCodeInternalError
}

// writeAPIError writes a structured error response with appropriate HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{Message: err.Error(), Code: code})
}

// writeValidationError writes a 400 Bad Request for a malformed request body.
func writeValidationError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Message: message,
		Code:    ErrCodeInvalidRequest,
	})
}
