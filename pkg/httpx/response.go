package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/nicktill/swingdoor/pkg/series"
	"github.com/nicktill/swingdoor/pkg/storage"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Class   string `json:"class,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	}
	RespondJSON(w, status, response)
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	RespondJSON(w, status, response)
}

// RespondSeriesError writes err with the status StatusFor picks and its
// error class.
func RespondSeriesError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("Request failed: %v", err)
	}
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
		Class:   series.ErrorClass(err),
	})
}

// StatusFor maps store and compressor errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, series.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, storage.ErrIO):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		// ErrCorruptState and anything unexpected
		return http.StatusInternalServerError
	}
}
