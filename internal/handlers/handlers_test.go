package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/renderbird/renderbird/internal/browser"
	"github.com/renderbird/renderbird/internal/config"
	"github.com/renderbird/renderbird/internal/detect"
	"github.com/renderbird/renderbird/internal/engine"
	"github.com/renderbird/renderbird/internal/pipeline"
	"github.com/renderbird/renderbird/internal/ratelimit"
	"github.com/renderbird/renderbird/internal/types"
)

type fakePage struct{}

func (fakePage) Navigate(ctx context.Context, url, waitUntil string, timeout time.Duration) (*engine.NavigationResult, error) {
	return &engine.NavigationResult{Status: 200, FinalURL: url}, nil
}
func (fakePage) Eval(context.Context, string) (string, error) { return "", nil }
func (fakePage) WaitSelector(context.Context, string, time.Duration) error {
	return nil
}
func (fakePage) WaitFunction(context.Context, string, time.Duration) error {
	return nil
}
func (fakePage) HTML(context.Context) (string, error) {
	return "<html><body>rendered</body></html>", nil
}
func (fakePage) Title(context.Context) (string, error)      { return "Rendered", nil }
func (fakePage) Screenshot(context.Context) ([]byte, error) { return nil, nil }

type fakeContext struct{}

func (fakeContext) Page() engine.Page { return fakePage{} }
func (fakeContext) Close() error      { return nil }

type fakeEngine struct{}

func (fakeEngine) NewContext(context.Context, engine.ContextOptions) (engine.BrowsingContext, error) {
	return fakeContext{}, nil
}
func (fakeEngine) Healthy(context.Context) bool { return true }
func (fakeEngine) Close() error                 { return nil }

type testServer struct {
	handler http.Handler
	pool    *browser.Pool
}

func newTestServer(t *testing.T, cfg *config.Config, limiter *ratelimit.Limiter) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{
			MinBrowsers:         1,
			MaxBrowsers:         1,
			MaxContextsPerBrwsr: 2,
			IdleTimeout:         time.Hour,
			HealthCheckInterval: time.Hour,
		}
	}
	pool, err := browser.NewPool(cfg, func(ctx context.Context) (engine.Engine, error) {
		return fakeEngine{}, nil
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	rules := detect.NewManager("", false)
	t.Cleanup(func() { _ = rules.Close() })

	if limiter == nil {
		limiter = ratelimit.New(false, 0, time.Minute)
	}
	t.Cleanup(limiter.Close)

	pipe := pipeline.New(pool, browser.NewBroker(1), detect.NewSuite(rules))
	h := New(cfg, pool, pipe)
	return &testServer{handler: NewRouter(h, cfg, limiter), pool: pool}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeRender(t *testing.T, rec *httptest.ResponseRecorder) *types.RenderResponse {
	t.Helper()
	var resp types.RenderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return &resp
}

func TestRenderEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(http.MethodPost, "/v1/render", `{"url": "https://example.com", "render": {"wait_until": "load"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeRender(t, rec)
	if !resp.Success {
		t.Fatalf("render failed: %v", resp.Errors)
	}
	if resp.Content == nil || !strings.Contains(resp.Content.HTML, "rendered") {
		t.Errorf("Content = %+v", resp.Content)
	}
	if resp.RequestID == "" {
		t.Error("RequestID not assigned")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
	if !strings.Contains(rec.Body.String(), `"errors":null`) {
		t.Errorf("successful render should serialize errors as null, body %s", rec.Body.String())
	}
}

func TestRenderEndpointBadJSON(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(http.MethodPost, "/v1/render", `{"url": `)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeRender(t, rec)
	if resp.Success || len(resp.Errors) == 0 || resp.Errors[0].Code != types.CodeValidationError {
		t.Errorf("response = %+v", resp)
	}
}

func TestRenderEndpointValidation(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(http.MethodPost, "/v1/render", `{"url": "ftp://example.com"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeRender(t, rec)
	if len(resp.Errors) == 0 || resp.Errors[0].Field != "url" {
		t.Errorf("errors = %v, want url violation", resp.Errors)
	}
}

func TestRenderEndpointMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(http.MethodGet, "/v1/render", "")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Errorf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestRenderEndpointRateLimited(t *testing.T) {
	limiter := ratelimit.New(true, 1, time.Minute)
	s := newTestServer(t, nil, limiter)

	body := `{"url": "https://example.com", "render": {"wait_until": "load"}}`
	first := s.do(http.MethodPost, "/v1/render", body)
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("X-RateLimit-Limit = %q", first.Header().Get("X-RateLimit-Limit"))
	}
	if first.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", first.Header().Get("X-RateLimit-Remaining"))
	}

	second := s.do(http.MethodPost, "/v1/render", body)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	resp := decodeRender(t, second)
	if len(resp.Errors) == 0 || resp.Errors[0].Code != types.CodeRateLimited {
		t.Errorf("errors = %v, want rate limited", resp.Errors)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Pool    struct {
			Browsers int `json:"browsers"`
		} `json:"pool"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Pool.Browsers != 1 {
		t.Errorf("pool browsers = %d", resp.Pool.Browsers)
	}
}

func TestPoolStatusEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(http.MethodGet, "/v1/pool/status", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			TotalBrowsers  int                     `json:"totalBrowsers"`
			MaxBrowsers    int                     `json:"maxBrowsers"`
			AvailableSlots int                     `json:"availableSlots"`
			QueueLength    int                     `json:"queueLength"`
			Browsers       []browser.BrowserStatus `json:"browsers"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v (body %q)", err, rec.Body.String())
	}
	if !resp.Success {
		t.Error("success = false")
	}
	if resp.Data.TotalBrowsers != 1 || resp.Data.MaxBrowsers != 1 {
		t.Errorf("snapshot = %+v", resp.Data)
	}
	// One idle browser with two context slots.
	if resp.Data.AvailableSlots != 2 {
		t.Errorf("availableSlots = %d, want 2", resp.Data.AvailableSlots)
	}
	if resp.Data.QueueLength != 0 {
		t.Errorf("queueLength = %d, want 0", resp.Data.QueueLength)
	}
	if len(resp.Data.Browsers) != 1 {
		t.Errorf("browsers = %v", resp.Data.Browsers)
	}
}

func TestIndexEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(http.MethodGet, "/", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp indexResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Service != "renderbird" || len(resp.Endpoints) == 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestUnknownPath(t *testing.T) {
	s := newTestServer(t, nil, nil)
	if rec := s.do(http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(http.MethodGet, "/health", "")

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}
