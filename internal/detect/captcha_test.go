package detect

import "testing"

func activeRules(t *testing.T) *Rules {
	t.Helper()
	r := defaultRules()
	if err := r.Validate(); err != nil {
		t.Fatalf("default rules invalid: %v", err)
	}
	r.compile()
	return r
}

func TestClassifyCaptcha(t *testing.T) {
	tests := []struct {
		name           string
		html           string
		wantDetected   bool
		wantType       string
		wantConfidence Confidence
	}{
		{
			name:           "recaptcha script marker",
			html:           `<html><script src="https://www.google.com/recaptcha/api.js"></script></html>`,
			wantDetected:   true,
			wantType:       CaptchaRecaptcha,
			wantConfidence: ConfidenceHigh,
		},
		{
			name:           "hcaptcha widget marker",
			html:           `<div class="h-captcha" data-sitekey="abc"></div>`,
			wantDetected:   true,
			wantType:       CaptchaHcaptcha,
			wantConfidence: ConfidenceHigh,
		},
		{
			name:           "turnstile marker",
			html:           `<script src="https://challenges.cloudflare.com/turnstile/v0/api.js"></script>`,
			wantDetected:   true,
			wantType:       CaptchaTurnstile,
			wantConfidence: ConfidenceHigh,
		},
		{
			name:           "pattern only is medium",
			html:           `<html><body>window.funcaptchaSettings = {}</body></html>`,
			wantDetected:   true,
			wantType:       CaptchaArkose,
			wantConfidence: ConfidenceMedium,
		},
		{
			name:           "generic phrase is low",
			html:           `<html><body>Please verify you are human to continue.</body></html>`,
			wantDetected:   true,
			wantType:       CaptchaGeneric,
			wantConfidence: ConfidenceLow,
		},
		{
			name: "clean page",
			html: `<html><body><h1>Product catalog</h1></body></html>`,
		},
	}

	rules := activeRules(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyCaptcha(rules, NewSnapshot(tt.html, "", 200, ""))
			if got.Detected != tt.wantDetected {
				t.Fatalf("Detected = %v, want %v", got.Detected, tt.wantDetected)
			}
			if !tt.wantDetected {
				return
			}
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %q, want %q", got.Confidence, tt.wantConfidence)
			}
		})
	}
}

func TestClassifyCaptchaScansVisibleText(t *testing.T) {
	// Provider patterns and generic phrases match the visible text even
	// when the markup itself carries no fingerprint.
	rules := activeRules(t)

	got := classifyCaptcha(rules, NewSnapshot("<html><body></body></html>", "solve the hCaptcha below", 200, ""))
	if !got.Detected || got.Type != CaptchaHcaptcha || got.Confidence != ConfidenceMedium {
		t.Errorf("pattern in text: got %+v, want hcaptcha/medium", got)
	}

	got = classifyCaptcha(rules, NewSnapshot("<html><body></body></html>", "Please verify you are human to continue.", 200, ""))
	if !got.Detected || got.Type != CaptchaGeneric || got.Confidence != ConfidenceLow {
		t.Errorf("generic phrase in text: got %+v, want generic/low", got)
	}
}

func TestFallbackText(t *testing.T) {
	html := `<html><head><script>var x = "hidden";</script><style>p { color: red; }</style></head>` +
		`<body><h1>Title</h1><p>First   paragraph.</p></body></html>`
	got := FallbackText(html)
	if got != "Title First paragraph." {
		t.Errorf("FallbackText = %q", got)
	}
	if FallbackText("") != "" {
		t.Error("empty markup should yield empty text")
	}
}

func TestClassifyCaptchaMarkerBeatsPattern(t *testing.T) {
	// A page with an hcaptcha marker and a recaptcha pattern should
	// classify on the marker.
	html := `<div class="h-captcha"></div><span>recaptcha mention in text</span>`
	got := classifyCaptcha(activeRules(t), NewSnapshot(html, "", 200, ""))
	if got.Type != CaptchaHcaptcha || got.Confidence != ConfidenceHigh {
		t.Errorf("got %+v, want hcaptcha/high", got)
	}
}
