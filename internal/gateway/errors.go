package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/syntrixbase/contextdb/pkg/model"
)

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeUnknownMatcher  = "UNKNOWN_MATCHER"
	ErrCodeRequestTooLarge = "REQUEST_TOO_LARGE"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

var validate = validator.New()

// writeError writes a structured JSON error response
func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

// writeDBError maps engine errors to responses.
func writeDBError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Document not found")
	case errors.Is(err, model.ErrInvalidPrimaryKey), errors.Is(err, model.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, model.ErrUnknownMatcher):
		writeError(w, http.StatusBadRequest, ErrCodeUnknownMatcher, err.Error())
	case errors.Is(err, model.ErrIndexNotReady), errors.Is(err, model.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeRequestTooLarge, "Request body too large")
	case model.IsCanceled(err):
		w.WriteHeader(499) // Client Closed Request
	default:
		logger.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error")
	}
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return err.Error()
	}
	fe := ve[0]
	return "invalid " + fe.Field() + ": failed " + fe.Tag()
}
