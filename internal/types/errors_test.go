package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeTotalTimeout, http.StatusGatewayTimeout},
		{CodeValidationError, http.StatusBadRequest},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeNavigationFailed, http.StatusInternalServerError},
		{CodeProxyError, http.StatusInternalServerError},
		{CodeBrowserError, http.StatusInternalServerError},
		{CodeRenderFailed, http.StatusInternalServerError},
		{CodeInternalError, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatusFor(tt.code); got != tt.want {
			t.Errorf("HTTPStatusFor(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestRenderErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	re := NewRenderError(CodeBrowserError, "browser exploded", inner)

	if re.Error() != "browser exploded" {
		t.Errorf("Error() = %q", re.Error())
	}
	if !errors.Is(re, inner) {
		t.Error("errors.Is should reach the wrapped error")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"render error", NewRenderError(CodeNavigationFailed, "nav", nil), CodeNavigationFailed},
		{"wrapped render error", fmt.Errorf("outer: %w", NewRenderError(CodeTotalTimeout, "t", nil)), CodeTotalTimeout},
		{"acquire timeout", ErrAcquireTimeout, CodeTimeout},
		{"pool shutting down", ErrPoolShuttingDown, CodeBrowserError},
		{"launch failed", fmt.Errorf("%w: exec", ErrLaunchFailed), CodeBrowserError},
		{"invalid proxy", fmt.Errorf("%w: bad scheme", ErrInvalidProxy), CodeProxyError},
		{"context canceled", fmt.Errorf("%w: %v", ErrContextCanceled, context.Canceled), CodeTimeout},
		{"unknown", errors.New("mystery"), CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %q, want %q", got, tt.want)
			}
		})
	}
}
