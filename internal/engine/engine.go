// Package engine abstracts the browser automation layer behind small
// interfaces so the pool and pipeline can be exercised without a real
// Chrome process. The production implementation is backed by Rod/CDP.
package engine

import (
	"context"
	"time"
)

// Wait conditions for navigation.
const (
	WaitCommit           = "commit"
	WaitDOMContentLoaded = "domcontentloaded"
	WaitLoad             = "load"
	WaitNetworkIdle      = "networkidle"
)

// ContextOptions configures a fresh browsing context before navigation.
type ContextOptions struct {
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	AcceptLanguage string
	Locale         string
	Timezone       string

	// ProxyURL in protocol://host:port form, already normalized.
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	// JavaScript false disables script execution for the context.
	JavaScript bool

	// ExtraHeaders are sent with every request from the context.
	ExtraHeaders map[string]string
}

// NavigationResult reports the outcome of a completed navigation.
type NavigationResult struct {
	// Status is the HTTP status of the final main-document response,
	// after redirects. Zero means no response was observed.
	Status int

	// FinalURL is the URL of the final response.
	FinalURL string
}

// Engine is one browser process. An engine hosts multiple isolated
// browsing contexts up to the pool's per-browser limit.
type Engine interface {
	// NewContext creates an isolated browsing context with one page.
	NewContext(ctx context.Context, opts ContextOptions) (BrowsingContext, error)

	// Healthy reports whether the browser process is responsive.
	Healthy(ctx context.Context) bool

	// Close terminates the browser process.
	Close() error
}

// BrowsingContext is one isolated cookie jar, cache, and page.
type BrowsingContext interface {
	Page() Page

	// Close destroys the context and its page.
	Close() error
}

// Page is the surface the render pipeline drives.
type Page interface {
	// Navigate loads url and blocks until the wait condition is met or
	// the timeout expires.
	Navigate(ctx context.Context, url, waitUntil string, timeout time.Duration) (*NavigationResult, error)

	// Eval runs a JavaScript expression and returns its result as a string.
	Eval(ctx context.Context, js string) (string, error)

	// WaitSelector blocks until a CSS selector matches an element.
	WaitSelector(ctx context.Context, selector string, timeout time.Duration) error

	// WaitFunction polls a JavaScript expression until it is truthy.
	WaitFunction(ctx context.Context, js string, timeout time.Duration) error

	// HTML returns the serialized DOM of the main frame.
	HTML(ctx context.Context) (string, error)

	// Title returns the current document title.
	Title(ctx context.Context) (string, error)

	// Screenshot captures a full-page PNG.
	Screenshot(ctx context.Context) ([]byte, error)
}

// LaunchFunc launches one browser process. The pool calls it whenever it
// needs to grow; tests substitute a fake.
type LaunchFunc func(ctx context.Context) (Engine, error)
