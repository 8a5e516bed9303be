// Package types provides shared types, validation, and errors for the service.
package types

import (
	"errors"
	"net/http"
)

// Stable error codes returned in the response errors array.
const (
	CodeNavigationFailed = "NAVIGATION_FAILED"
	CodeTimeout          = "TIMEOUT"
	CodeTotalTimeout     = "TOTAL_TIMEOUT"
	CodeProxyError       = "PROXY_ERROR"
	CodeBrowserError     = "BROWSER_ERROR"
	CodeRenderFailed     = "RENDER_FAILED"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeValidationError  = "VALIDATION_ERROR"
	CodeRateLimited      = "RATE_LIMITED"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrPoolShuttingDown = errors.New("browser pool is shutting down")
	ErrPoolClosed       = errors.New("browser pool is closed")
	ErrAcquireTimeout   = errors.New("Timeout waiting for available browser")
	ErrLaunchFailed     = errors.New("failed to launch browser")
	ErrNoCapacity       = errors.New("no browser capacity available")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidProxy   = errors.New("invalid proxy configuration")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// HTTPStatusFor maps an error code to the HTTP status returned at the edge.
// Success maps to 200; everything unrecognized is a 500.
func HTTPStatusFor(code string) int {
	switch code {
	case CodeTimeout, CodeTotalTimeout:
		return http.StatusGatewayTimeout
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// RenderError carries a stable error code through the pipeline.
// It implements the error interface and supports error unwrapping.
type RenderError struct {
	Code    string // One of the Code* constants
	Message string // Human-readable error message
	Field   string // Optional field path for validation errors
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *RenderError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RenderError) Unwrap() error {
	return e.Err
}

// NewRenderError creates a RenderError with the given code and message.
func NewRenderError(code, message string, err error) *RenderError {
	return &RenderError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the stable error code from err. Context deadline errors
// become TIMEOUT; anything unrecognized is INTERNAL_ERROR.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var re *RenderError
	if errors.As(err, &re) {
		return re.Code
	}
	switch {
	case errors.Is(err, ErrAcquireTimeout):
		return CodeTimeout
	case errors.Is(err, ErrPoolShuttingDown), errors.Is(err, ErrPoolClosed),
		errors.Is(err, ErrLaunchFailed), errors.Is(err, ErrNoCapacity):
		return CodeBrowserError
	case errors.Is(err, ErrInvalidProxy):
		return CodeProxyError
	case errors.Is(err, ErrInvalidRequest):
		return CodeValidationError
	case errors.Is(err, ErrContextCanceled):
		return CodeTimeout
	default:
		return CodeInternalError
	}
}
