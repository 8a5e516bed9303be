package types

import (
	"strings"
	"testing"
)

func validRequest() *RenderRequest {
	req := &RenderRequest{URL: "https://example.com/page"}
	req.ApplyDefaults()
	return req
}

func TestValidateValidRequest(t *testing.T) {
	if details := validRequest().Validate(); len(details) != 0 {
		t.Fatalf("expected no violations, got %v", details)
	}
}

func hasField(details []ErrorDetail, field string) bool {
	for _, d := range details {
		if d.Field == field {
			return true
		}
	}
	return false
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RenderRequest)
		field  string
	}{
		{
			name:   "missing url",
			mutate: func(r *RenderRequest) { r.URL = "" },
			field:  "url",
		},
		{
			name:   "relative url",
			mutate: func(r *RenderRequest) { r.URL = "/relative/path" },
			field:  "url",
		},
		{
			name:   "bad scheme",
			mutate: func(r *RenderRequest) { r.URL = "ftp://example.com" },
			field:  "url",
		},
		{
			name:   "url too long",
			mutate: func(r *RenderRequest) { r.URL = "https://example.com/" + strings.Repeat("a", MaxURLLength) },
			field:  "url",
		},
		{
			name:   "timeout too small",
			mutate: func(r *RenderRequest) { r.Render.TimeoutMs = 500 },
			field:  "render.timeout_ms",
		},
		{
			name:   "timeout too large",
			mutate: func(r *RenderRequest) { r.Render.TimeoutMs = 300000 },
			field:  "render.timeout_ms",
		},
		{
			name:   "bad wait_until",
			mutate: func(r *RenderRequest) { r.Render.WaitUntil = "eventually" },
			field:  "render.wait_until",
		},
		{
			name:   "too many scrolls",
			mutate: func(r *RenderRequest) { r.Render.Scroll.MaxScrolls = 100 },
			field:  "render.scroll.max_scrolls",
		},
		{
			name:   "viewport too narrow",
			mutate: func(r *RenderRequest) { r.Browser.Viewport.Width = 100 },
			field:  "browser.viewport.width",
		},
		{
			name:   "proxy username without password",
			mutate: func(r *RenderRequest) { r.Proxy = &ProxyOptions{Server: "proxy:8080", Username: "u"} },
			field:  "proxy",
		},
		{
			name:   "proxy empty server",
			mutate: func(r *RenderRequest) { r.Proxy = &ProxyOptions{Server: "   "} },
			field:  "proxy.server",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			details := req.Validate()
			if len(details) == 0 {
				t.Fatal("expected violations, got none")
			}
			if !hasField(details, tt.field) {
				t.Errorf("expected violation on field %q, got %v", tt.field, details)
			}
			for _, d := range details {
				if d.Code != CodeValidationError {
					t.Errorf("violation code = %q, want %q", d.Code, CodeValidationError)
				}
			}
		})
	}
}

func TestValidateScriptLimits(t *testing.T) {
	req := validRequest()
	for i := 0; i <= MaxScripts; i++ {
		req.Render.JSCode = append(req.Render.JSCode, "1")
	}
	if details := req.Validate(); !hasField(details, "render.js_code") {
		t.Errorf("expected js_code count violation, got %v", details)
	}

	req = validRequest()
	req.Render.JSCode = ScriptList{strings.Repeat("x", MaxScriptLength+1)}
	if details := req.Validate(); !hasField(details, "render.js_code[0]") {
		t.Errorf("expected js_code length violation, got %v", details)
	}
}
