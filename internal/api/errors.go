package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/studypilot/internal/credential"
	"github.com/studypilot/internal/genai"
	"github.com/studypilot/internal/service"
	"github.com/studypilot/internal/storage"
)

// ErrorBody is the error half of the JSON envelope.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeDuplicate          = "DUPLICATE"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses a JSON request body, rejecting unknown fields.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// respondDomainError maps domain sentinels to HTTP statuses. Anything
// unrecognized is a 500 with a generic message so internals never leak.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credential.ErrDuplicate):
		respondError(w, http.StatusConflict, ErrCodeDuplicate, "credential already registered", nil)
	case errors.Is(err, credential.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, ErrCodeNotFound, err.Error(), nil)
	case errors.Is(err, service.ErrNoCredentials):
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error(), nil)
	case genai.IsFatalRequest(err):
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
	default:
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "an internal error occurred", nil)
	}
}
