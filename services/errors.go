package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error. It decides the HTTP status.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeUnavailable  ErrorType = "unavailable"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeFatal        ErrorType = "fatal"
)

// DomainError represents a structured error with additional context.
// Code identifies the concrete failure; errors.Is matches on it.
type DomainError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	label := e.Code
	if label == "" {
		label = string(e.Type)
	}
	if reason, ok := e.Details["reason"].(string); ok && reason != "" {
		label = label + "[" + reason + "]"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", label, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", label, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Code != "" || t.Code != "" {
		return e.Code == t.Code
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithReason returns a copy of e carrying an internal reason code and cause.
// Sentinels are shared, so they are never mutated.
func (e *DomainError) WithReason(reason string, err error) *DomainError {
	return &DomainError{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
		Details: map[string]interface{}{"reason": reason},
	}
}

// Wrap returns a copy of e with err as its cause.
func (e *DomainError) Wrap(err error) *DomainError {
	return &DomainError{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

func newCodedError(errType ErrorType, code, message string) *DomainError {
	e := NewDomainError(errType, message, nil)
	e.Code = code
	return e
}

// Domain error variables

var (
	// Authentication Errors
	ErrInvalidToken = newCodedError(ErrorTypeUnauthorized, "invalid_token", "invalid authentication token")

	// Permission Errors
	ErrTenantSuspended = newCodedError(ErrorTypeForbidden, "tenant_suspended", "tenant is suspended")
	ErrTenantNotFound  = newCodedError(ErrorTypeForbidden, "tenant_not_found", "tenant is not provisioned")
	ErrScopeNotGranted = newCodedError(ErrorTypeForbidden, "scope_not_granted", "requested scope not granted")
	ErrAccessDenied    = newCodedError(ErrorTypeForbidden, "access_denied", "access denied")

	// Retryable Errors
	ErrKeySetUnavailable = newCodedError(ErrorTypeUnavailable, "key_set_unavailable", "signing keys unavailable")
	ErrPersistence       = newCodedError(ErrorTypeUnavailable, "persistence", "persistence unavailable")

	// Validation Errors
	ErrInvalidInput = newCodedError(ErrorTypeValidation, "invalid_input", "invalid input")

	// Internal Errors
	ErrInternal       = newCodedError(ErrorTypeInternal, "internal", "internal server error")
	ErrSchemaMismatch = newCodedError(ErrorTypeFatal, "schema_mismatch", "database schema does not match")
)

// Error type checking helper functions

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsUnavailableError checks if an error is retryable by the caller
func IsUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnavailable
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	t := GetErrorType(err)
	return t == ErrorTypeInternal || t == ErrorTypeFatal
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// GetReason returns the internal reason code attached with WithReason, if any.
func GetReason(err error) string {
	if reason, ok := GetErrorDetails(err)["reason"].(string); ok {
		return reason
	}
	return ""
}

// GetErrorCode returns the Code of a domain error, or empty string if not a domain error
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	e := NewDomainError(ErrorTypeInternal, message, err)
	e.Code = ErrInternal.Code
	return e
}

// WrapPersistence wraps a storage failure as ErrPersistence.
func WrapPersistence(message string, err error) error {
	e := ErrPersistence.Wrap(err)
	e.Message = message
	return e
}
