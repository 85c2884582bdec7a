package api

import (
	"encoding/json"
	"net/http"

	"github.com/wabiview/wabiview/internal/errors"
	"github.com/wabiview/wabiview/internal/logging"
	"github.com/wabiview/wabiview/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondServiceError maps a service error to its HTTP status and envelope.
// Server-side failures are logged and reported without their cause.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := errors.Categorize(err)

	logger := logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"path":     r.URL.Path,
		"category": string(catErr.Category),
	}).WithError(err)
	if errors.IsUserError(err) {
		logger.Debug("Request rejected")
	} else {
		logger.Error("Request failed")
	}

	switch {
	case catErr.StatusCode == http.StatusServiceUnavailable:
		respondError(w, catErr.StatusCode, ErrCodeServiceUnavailable, catErr.Message, catErr.Details)
	case catErr.Category == errors.CategoryProvider:
		respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
	case catErr.StatusCode >= http.StatusInternalServerError:
		respondError(w, catErr.StatusCode, ErrCodeInternalError, "An internal error occurred", nil)
	case catErr.Category == errors.CategoryNotFound:
		respondError(w, catErr.StatusCode, ErrCodeNotFound, catErr.Message, catErr.Details)
	default:
		respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
	}
}
