package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/nkkko/clubpulse/internal/auth"
	"github.com/nkkko/clubpulse/internal/gateway"
	"github.com/nkkko/clubpulse/internal/notification"
	"github.com/nkkko/clubpulse/internal/transport"
)

// ErrorType defines the type of error
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeTimeout      ErrorType = "timeout"

	// The backend answered with an error
	ErrorTypeUpstream ErrorType = "upstream"

	// A local component is not in a state to serve the request
	ErrorTypeUnavailable ErrorType = "unavailable"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

func newError(t ErrorType, httpCode int, code, message string) *APIError {
	return &APIError{Type: t, Code: code, Message: message, HTTPCode: httpCode}
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, code, message)
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, code, message)
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, code, message)
}

// UnauthorizedError creates a new unauthorized error
func UnauthorizedError(code string, message string) *APIError {
	return newError(ErrorTypeUnauthorized, http.StatusUnauthorized, code, message)
}

// TimeoutError creates a new timeout error
func TimeoutError(code string, message string) *APIError {
	return newError(ErrorTypeTimeout, http.StatusGatewayTimeout, code, message)
}

// UpstreamError creates a new bad gateway error
func UpstreamError(code string, message string) *APIError {
	return newError(ErrorTypeUpstream, http.StatusBadGateway, code, message)
}

// UnavailableError creates a new service unavailable error
func UnavailableError(code string, message string) *APIError {
	return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, code, message)
}

// FromError maps domain errors to API errors. Unknown errors become internal.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var upstream *gateway.APIError
	switch {
	case stderrors.Is(err, notification.ErrNoUser):
		return UnauthorizedError("no_user", "No authenticated user")
	case stderrors.Is(err, gateway.ErrUnauthenticated):
		return UnauthorizedError("unauthenticated", "Backend rejected the session token")
	case stderrors.Is(err, auth.ErrInvalidToken):
		return ValidationError("invalid_token", err.Error())
	case stderrors.Is(err, transport.ErrClosed), stderrors.Is(err, transport.ErrNotStarted):
		return UnavailableError("transport_unavailable", err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		return TimeoutError("timeout", "Request timed out")
	case stderrors.As(err, &upstream):
		if upstream.StatusCode == http.StatusNotFound {
			return NotFoundError("notification_not_found", upstream.Message)
		}
		return UpstreamError("backend_error", upstream.Error()).WithDetails(map[string]int{"status": upstream.StatusCode})
	}

	return InternalError("internal_error", err.Error())
}
