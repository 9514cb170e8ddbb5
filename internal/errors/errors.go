// Package errors provides standardized error handling for the MediaHub upload service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the upload service.
type ErrorCode string

const (
	// Validation errors
	MH_VALIDATION    ErrorCode = "MH_VALIDATION"    // General validation error
	MH_BAD_REQUEST   ErrorCode = "MH_BAD_REQUEST"   // Bad request
	MH_CHUNK_MISSING ErrorCode = "MH_CHUNK_MISSING" // Completion requested with chunks still missing
	MH_MEDIA_SIZE    ErrorCode = "MH_MEDIA_SIZE"    // File size limit exceeded
	MH_MEDIA_TYPE    ErrorCode = "MH_MEDIA_TYPE"    // MIME type not allowed

	// Authentication/Authorization errors
	MH_AUTHZ            ErrorCode = "MH_AUTHZ"            // Authorization failed
	MH_AUTHN            ErrorCode = "MH_AUTHN"            // Authentication failed
	MH_JWT_INVALID      ErrorCode = "MH_JWT_INVALID"      // Invalid JWT
	MH_JWT_EXPIRED      ErrorCode = "MH_JWT_EXPIRED"      // Expired JWT
	MH_JWT_MALFORMED    ErrorCode = "MH_JWT_MALFORMED"    // Malformed JWT
	MH_CREATOR_MISMATCH ErrorCode = "MH_CREATOR_MISMATCH" // Session owned by a different creator

	// Resource errors
	MH_SESSION_NOT_FOUND ErrorCode = "MH_SESSION_NOT_FOUND" // Unknown or expired upload session
	MH_NOT_FOUND         ErrorCode = "MH_NOT_FOUND"         // Resource not found
	MH_CONFLICT          ErrorCode = "MH_CONFLICT"          // Resource conflict

	// Server errors
	MH_FINALIZE    ErrorCode = "MH_FINALIZE"    // Failure while finalizing an upload
	MH_INTERNAL    ErrorCode = "MH_INTERNAL"    // Internal server error
	MH_UNAVAILABLE ErrorCode = "MH_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case MH_VALIDATION, MH_BAD_REQUEST, MH_CHUNK_MISSING, MH_MEDIA_SIZE, MH_MEDIA_TYPE:
		return http.StatusBadRequest
	case MH_AUTHZ, MH_CREATOR_MISMATCH:
		return http.StatusForbidden
	case MH_AUTHN, MH_JWT_INVALID, MH_JWT_EXPIRED, MH_JWT_MALFORMED:
		return http.StatusUnauthorized
	case MH_SESSION_NOT_FOUND, MH_NOT_FOUND:
		return http.StatusNotFound
	case MH_CONFLICT:
		return http.StatusConflict
	case MH_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
