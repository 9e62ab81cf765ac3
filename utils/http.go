package utils

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/upb/tenant-auth/services"
)

// RetryAfterSeconds is sent with 503 responses for retryable failures.
const RetryAfterSeconds = 5

// Generic messages. Clients never see reason codes or internal detail.
const (
	MessageUnauthorized = "Invalid or missing credentials"
	MessageForbidden    = "Access denied"
	MessageUnavailable  = "Service temporarily unavailable"
	MessageInternal     = "An internal error occurred"
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// WriteOK writes a 200 OK response with optional data
func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Data: data})
}

// WriteNoContent writes a 204 No Content response
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteBadRequest writes a 400 Bad Request response with error details
func WriteBadRequest(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "bad_request",
		Message: message,
		Details: details,
	})
}

// WriteUnauthorized writes a 401 Unauthorized response with a Bearer challenge
func WriteUnauthorized(w http.ResponseWriter, message string) error {
	if message == "" {
		message = MessageUnauthorized
	}
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	return WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:   "unauthorized",
		Message: message,
	})
}

// WriteForbidden writes a 403 Forbidden response
func WriteForbidden(w http.ResponseWriter, message string) error {
	if message == "" {
		message = MessageForbidden
	}
	return WriteJSON(w, http.StatusForbidden, ErrorResponse{
		Error:   "forbidden",
		Message: message,
	})
}

// WriteNotFound writes a 404 Not Found response
func WriteNotFound(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Resource not found"
	}
	return WriteJSON(w, http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Message: message,
	})
}

// WriteMethodNotAllowed writes a 405 Method Not Allowed response
func WriteMethodNotAllowed(w http.ResponseWriter) error {
	return WriteJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
		Error:   "method_not_allowed",
		Message: "Method not allowed",
	})
}

// WriteServiceUnavailable writes a 503 response telling the client to retry
func WriteServiceUnavailable(w http.ResponseWriter, message string) error {
	if message == "" {
		message = MessageUnavailable
	}
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	return WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{
		Error:   "unavailable",
		Message: message,
	})
}

// WriteInternalServerError writes a 500 Internal Server Error response
func WriteInternalServerError(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Internal server error"
	}
	return WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: message,
	})
}

// StatusForError returns the HTTP status for a service error.
func StatusForError(err error) int {
	switch {
	case services.IsValidationError(err), IsValidationError(err):
		return http.StatusBadRequest
	case services.IsUnauthorizedError(err):
		return http.StatusUnauthorized
	case services.IsForbiddenError(err):
		return http.StatusForbidden
	case services.IsUnavailableError(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError writes the response for a service error and returns its
// status. Only validation errors expose their message; every other class
// gets a generic one.
func WriteServiceError(w http.ResponseWriter, err error) (int, error) {
	status := StatusForError(err)
	switch status {
	case http.StatusBadRequest:
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			details := make(map[string]interface{}, len(validationErr.Fields))
			for field, msg := range validationErr.Fields {
				details[field] = msg
			}
			return status, WriteBadRequest(w, validationErr.Message, details)
		}
		message := "Invalid request"
		var domainErr *services.DomainError
		if errors.As(err, &domainErr) {
			message = domainErr.Message
		}
		return status, WriteBadRequest(w, message, services.GetErrorDetails(err))
	case http.StatusUnauthorized:
		return status, WriteUnauthorized(w, "")
	case http.StatusForbidden:
		return status, WriteForbidden(w, "")
	case http.StatusServiceUnavailable:
		return status, WriteServiceUnavailable(w, "")
	default:
		return status, WriteInternalServerError(w, MessageInternal)
	}
}
