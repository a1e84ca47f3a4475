package json

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/errs"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		internal.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, error string, message string) {
	response := ErrorResponse{
		Error:   error,
		Message: message,
	}

	if err := WriteResponse(w, statusCode, response); err != nil {
		// Fallback to plain text error if JSON encoding fails
		http.Error(w, error+": "+message, statusCode)
	}
}

// WriteErr writes err with the status and code its kind maps to
func WriteErr(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		internal.LogError("Request failed: %v", err)
	}
	WriteError(w, status, errorCode(err, status), err.Error())
}

func errorCode(err error, status int) string {
	switch {
	case errors.Is(err, errs.ErrInactive):
		return "inactive"
	case errors.Is(err, errs.ErrNotApproved):
		return "not_approved"
	}
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "already_exists"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "failed_to_connect"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal_server_error"
	}
}

// Common error responses
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, "service_unavailable", message)
}
