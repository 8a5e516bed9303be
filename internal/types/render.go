package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request validation bounds. Values outside these ranges are rejected by
// the validator rather than silently clamped.
const (
	MinTimeoutMs    = 1000
	MaxTimeoutMs    = 120000
	MinScrolls      = 1
	MaxScrolls      = 50
	MinScrollDelay  = 100
	MaxScrollDelay  = 5000
	MinViewportW    = 320
	MaxViewportW    = 3840
	MinViewportH    = 240
	MaxViewportH    = 2160
	MaxURLLength    = 8192
	MaxScriptLength = 64 * 1024
	MaxScripts      = 20
)

// Defaults applied by ApplyDefaults.
const (
	DefaultWaitUntil      = "networkidle"
	DefaultTimeoutMs      = 30000
	DefaultMaxScrolls     = 5
	DefaultScrollDelayMs  = 500
	DefaultViewportWidth  = 1366
	DefaultViewportHeight = 768
	DefaultLocale         = "en-US"
	DefaultTimezone       = "America/New_York"
)

// RenderRequest is a description of one render job as submitted by a client.
// Call ApplyDefaults then Validate before handing it to the pipeline.
type RenderRequest struct {
	URL     string         `json:"url" validate:"required"`
	Render  RenderOptions  `json:"render"`
	Browser BrowserOptions `json:"browser"`
	Proxy   *ProxyOptions  `json:"proxy,omitempty"`
	Debug   DebugOptions   `json:"debug"`
}

// RenderOptions controls navigation and in-page behavior.
type RenderOptions struct {
	WaitUntil  string        `json:"wait_until,omitempty" validate:"omitempty,oneof=commit domcontentloaded load networkidle"`
	TimeoutMs  int           `json:"timeout_ms,omitempty" validate:"omitempty,min=1000,max=120000"`
	JavaScript *bool         `json:"javascript,omitempty"`
	Scroll     ScrollOptions `json:"scroll"`
	WaitFor    string        `json:"wait_for,omitempty"`
	JSCode     ScriptList    `json:"js_code,omitempty"`
}

// ScrollOptions configures the human-like scroll loop.
type ScrollOptions struct {
	Enabled    bool `json:"enabled"`
	MaxScrolls int  `json:"max_scrolls,omitempty" validate:"omitempty,min=1,max=50"`
	DelayMs    int  `json:"delay_ms,omitempty" validate:"omitempty,min=100,max=5000"`
}

// BrowserOptions configures the browsing-context fingerprint.
type BrowserOptions struct {
	Viewport  Viewport `json:"viewport"`
	UserAgent string   `json:"user_agent,omitempty"`
	Locale    string   `json:"locale,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
}

// Viewport is the emulated window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width,omitempty" validate:"omitempty,min=320,max=3840"`
	Height int `json:"height,omitempty" validate:"omitempty,min=240,max=2160"`
}

// ProxyOptions configures an upstream proxy for the browsing context.
// Credentials must be provided both-or-neither.
type ProxyOptions struct {
	Server   string `json:"server" validate:"required"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Rotate   bool   `json:"rotate,omitempty"`
}

// DebugOptions toggles debug artifact capture.
type DebugOptions struct {
	Screenshot bool `json:"screenshot"`
	HAR        bool `json:"har"`
}

// ScriptList accepts either a single JSON string or a list of strings,
// matching the schema's "string or list of strings" for js_code.
type ScriptList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *ScriptList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = ScriptList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("js_code must be a string or a list of strings")
	}
	*s = ScriptList(many)
	return nil
}

// JavaScriptEnabled reports the javascript flag with its default of true.
func (r *RenderRequest) JavaScriptEnabled() bool {
	if r.Render.JavaScript == nil {
		return true
	}
	return *r.Render.JavaScript
}

// Timeout returns the render timeout as a duration.
func (r *RenderRequest) Timeout() time.Duration {
	return time.Duration(r.Render.TimeoutMs) * time.Millisecond
}

// ApplyDefaults fills in every optional field the schema defines a default
// for. Validation assumes defaults have been applied.
func (r *RenderRequest) ApplyDefaults() {
	if r.Render.WaitUntil == "" {
		r.Render.WaitUntil = DefaultWaitUntil
	}
	if r.Render.TimeoutMs == 0 {
		r.Render.TimeoutMs = DefaultTimeoutMs
	}
	if r.Render.Scroll.MaxScrolls == 0 {
		r.Render.Scroll.MaxScrolls = DefaultMaxScrolls
	}
	if r.Render.Scroll.DelayMs == 0 {
		r.Render.Scroll.DelayMs = DefaultScrollDelayMs
	}
	if r.Browser.Viewport.Width == 0 {
		r.Browser.Viewport.Width = DefaultViewportWidth
	}
	if r.Browser.Viewport.Height == 0 {
		r.Browser.Viewport.Height = DefaultViewportHeight
	}
	if r.Browser.Locale == "" {
		r.Browser.Locale = DefaultLocale
	}
	if r.Browser.Timezone == "" {
		r.Browser.Timezone = DefaultTimezone
	}
}

// RenderResponse is the stage-produced artifact returned to the client.
type RenderResponse struct {
	Success   bool          `json:"success"`
	RequestID string        `json:"request_id"`
	URL       string        `json:"url,omitempty"`
	Content   *Content      `json:"content,omitempty"`
	Meta      Meta          `json:"meta"`
	Errors    []ErrorDetail `json:"errors"`
	Timestamp string        `json:"timestamp"`
}

// Content holds the captured page artifacts.
type Content struct {
	HTML       string `json:"html,omitempty"`
	Screenshot string `json:"screenshot,omitempty"` // base64 PNG
	HAR        string `json:"har,omitempty"`
}

// Meta holds render metadata and detection flags.
type Meta struct {
	HTTPStatus      int      `json:"http_status"`
	DurationMs      int64    `json:"duration_ms"`
	CaptchaDetected bool     `json:"captcha_detected"`
	CaptchaType     string   `json:"captcha_type,omitempty"`
	Blocked         bool     `json:"blocked"`
	BlockReason     string   `json:"block_reason,omitempty"`
	ProxyUsed       bool     `json:"proxy_used"`
	PageTitle       string   `json:"page_title,omitempty"`
	ScriptResults   []string `json:"script_results,omitempty"`
	Notes           []string `json:"notes,omitempty"`
}

// ErrorDetail is one machine-readable entry in the response errors array.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// NewTimestamp returns the canonical response timestamp.
func NewTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
