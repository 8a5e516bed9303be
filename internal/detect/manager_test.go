package detect

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManagerDefaults(t *testing.T) {
	m := NewManager("", false)
	defer m.Close()

	rules := m.Get()
	if len(rules.Captcha) == 0 || len(rules.Blocks) == 0 {
		t.Fatal("embedded rules missing sections")
	}
	if _, ok := rules.Captcha[CaptchaRecaptcha]; !ok {
		t.Error("embedded rules should include recaptcha")
	}
	if stats := m.Stats(); stats.ReloadCount != 0 {
		t.Errorf("ReloadCount = %d, want 0", stats.ReloadCount)
	}
}

func TestManagerExternalOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	external := `
captcha:
  custom:
    markers:
      - "custom-captcha-widget"
    patterns:
      - "customcaptcha"
`
	if err := os.WriteFile(path, []byte(external), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	m := NewManager(path, false)
	defer m.Close()

	rules := m.Get()
	if _, ok := rules.Captcha["custom"]; !ok {
		t.Fatal("external captcha section not applied")
	}
	if _, ok := rules.Captcha[CaptchaRecaptcha]; ok {
		t.Error("external captcha section should replace the embedded one wholesale")
	}
	// Sections absent from the file keep the defaults.
	if len(rules.Blocks) == 0 {
		t.Error("blocks section should fall back to embedded defaults")
	}
	if stats := m.Stats(); stats.ReloadCount != 1 {
		t.Errorf("ReloadCount = %d, want 1", stats.ReloadCount)
	}

	got := classifyCaptcha(rules, NewSnapshot(`<div class="custom-captcha-widget"></div>`, "", 200, ""))
	if !got.Detected || got.Type != "custom" || got.Confidence != ConfidenceHigh {
		t.Errorf("custom rule did not classify: %+v", got)
	}
}

func TestManagerInvalidFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("captcha: [not: a: map"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	m := NewManager(path, false)
	defer m.Close()

	rules := m.Get()
	if _, ok := rules.Captcha[CaptchaRecaptcha]; !ok {
		t.Error("invalid file should leave embedded rules active")
	}
	if stats := m.Stats(); stats.LastError == "" {
		t.Error("LastError should record the parse failure")
	}
}

func TestManagerHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	first := `
access_denied:
  - "denied"
generic_captcha:
  - "first phrase"
`
	if err := os.WriteFile(path, []byte(first), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	m := NewManager(path, true)
	defer m.Close()

	if got := m.Get().GenericCaptcha; len(got) != 1 || got[0] != "first phrase" {
		t.Fatalf("initial rules = %v", got)
	}

	second := `
access_denied:
  - "denied"
generic_captcha:
  - "second phrase"
`
	if err := os.WriteFile(path, []byte(second), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got := m.Get().GenericCaptcha
		if len(got) == 1 && got[0] == "second phrase" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("rules not reloaded, still %v", m.Get().GenericCaptcha)
}

func TestManagerCloseIdempotent(t *testing.T) {
	m := NewManager("", false)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSuiteRun(t *testing.T) {
	m := NewManager("", false)
	defer m.Close()
	suite := NewSuite(m)

	snap := NewSnapshot(`<html><title>Just a moment...</title><div class="cf-turnstile"></div></html>`, "Just a moment...", 503, "Just a moment...")
	captcha, block := suite.Run(context.Background(), snap)

	if !captcha.Detected || captcha.Type != CaptchaTurnstile {
		t.Errorf("captcha = %+v, want turnstile", captcha)
	}
	if !block.Blocked || block.Reason != BlockCloudflare || block.Confidence != ConfidenceHigh {
		t.Errorf("block = %+v, want cloudflare/high", block)
	}
}

func TestSuiteRunCleanPage(t *testing.T) {
	m := NewManager("", false)
	defer m.Close()
	suite := NewSuite(m)

	captcha, block := suite.Run(context.Background(), NewSnapshot("<html><body>Hello</body></html>", "Hello", 200, "Hello"))
	if captcha.Detected {
		t.Errorf("captcha = %+v, want none", captcha)
	}
	if block.Blocked {
		t.Errorf("block = %+v, want none", block)
	}
}
