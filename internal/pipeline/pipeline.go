// Package pipeline orchestrates a render request from context acquisition
// through navigation, page interaction, detection, and artifact capture.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/renderbird/renderbird/internal/browser"
	"github.com/renderbird/renderbird/internal/detect"
	"github.com/renderbird/renderbird/internal/engine"
	"github.com/renderbird/renderbird/internal/humanize"
	"github.com/renderbird/renderbird/internal/types"
)

const (
	// totalTimeoutGrace is added to the client's render timeout to form
	// the hard deadline for the whole request, covering acquisition and
	// post-navigation work.
	totalTimeoutGrace = 30 * time.Second

	// navigationGrace is added to the render timeout for the navigation
	// call itself so the engine-level wait fires first.
	navigationGrace = 5 * time.Second

	// acquireTimeout bounds waiting for a pooled browsing context. Sits
	// above the pool's own queue deadline so the pool reports the
	// timeout first.
	acquireTimeout = 35 * time.Second

	// Network-idle stabilization: poll the document size until it holds
	// steady or the budget runs out.
	stabilizePollInterval = 200 * time.Millisecond
	stabilizeBudget       = 3 * time.Second
	stabilizeStableReads  = 2

	// scriptGap spaces sequential js_code executions.
	scriptGap = 100 * time.Millisecond
)

// Probe expressions evaluated on the page outside client scripts.
const (
	stabilizeProbe = "document.body.innerHTML.length"
	innerTextProbe = "document.body.innerText"
)

// Pipeline renders pages using pooled browser contexts.
type Pipeline struct {
	pool     *browser.Pool
	broker   *browser.Broker
	suite    *detect.Suite
	scroller *humanize.Scroller
}

// New creates a render pipeline.
func New(pool *browser.Pool, broker *browser.Broker, suite *detect.Suite) *Pipeline {
	return &Pipeline{
		pool:     pool,
		broker:   broker,
		suite:    suite,
		scroller: humanize.NewScroller(time.Now().UnixNano()),
	}
}

// Render executes one render request. The request must have defaults
// applied and be validated. The response always carries a terminal
// state: success with content, or failure with coded errors.
func (p *Pipeline) Render(ctx context.Context, req *types.RenderRequest, requestID string) *types.RenderResponse {
	start := time.Now()
	resp := &types.RenderResponse{
		RequestID: requestID,
		URL:       req.URL,
		Timestamp: types.NewTimestamp(),
	}
	resp.Meta.ProxyUsed = req.Proxy != nil

	ctx, cancel := context.WithTimeout(ctx, req.Timeout()+totalTimeoutGrace)
	defer cancel()

	opts, err := p.broker.Configure(req)
	if err != nil {
		return p.fail(resp, start, types.NewRenderError(types.CodeProxyError, err.Error(), err))
	}

	acquireCtx, acquireCancel := context.WithTimeout(ctx, acquireTimeout)
	lease, err := p.pool.Acquire(acquireCtx, opts)
	acquireCancel()
	if err != nil {
		return p.fail(resp, start, err)
	}
	defer lease.Release()

	log.Debug().
		Str("request_id", requestID).
		Str("browser_id", lease.BrowserID()).
		Str("url", req.URL).
		Msg("Render started")

	if err := p.run(ctx, req, lease.Page(), resp); err != nil {
		return p.fail(resp, start, err)
	}

	resp.Success = true
	resp.Meta.DurationMs = time.Since(start).Milliseconds()
	return resp
}

// run drives the page stages. A panic anywhere in the stages is
// converted to an internal error; the deferred lease release in Render
// still returns the context to the pool.
func (p *Pipeline) run(ctx context.Context, req *types.RenderRequest, page engine.Page, resp *types.RenderResponse) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("request_id", resp.RequestID).
				Msg("Recovered from panic during render")
			err = types.NewRenderError(types.CodeInternalError, fmt.Sprintf("render panicked: %v", r), nil)
		}
	}()

	// Navigation
	navCtx, navCancel := context.WithTimeout(ctx, req.Timeout()+navigationGrace)
	nav, navErr := page.Navigate(navCtx, req.URL, req.Render.WaitUntil, req.Timeout())
	navCancel()
	if navErr != nil {
		return p.wrapNavError(ctx, navErr)
	}

	status := nav.Status
	if status == 0 {
		// No response event observed; assume the navigation that
		// succeeded got a plain 200.
		status = 200
	}
	resp.Meta.HTTPStatus = status
	if nav.FinalURL != "" {
		resp.URL = nav.FinalURL
	}

	if req.Render.WaitUntil == engine.WaitNetworkIdle {
		p.stabilize(ctx, page)
	}

	// Client scripts
	if len(req.Render.JSCode) > 0 {
		if !req.JavaScriptEnabled() {
			p.note(resp, "js_code skipped: javascript is disabled")
		} else if err := p.runScripts(ctx, req, resp, page); err != nil {
			return err
		}
	}

	// Wait condition
	if req.Render.WaitFor != "" {
		if err := ctx.Err(); err != nil {
			return p.totalTimeout(err)
		}
		if werr := p.waitFor(ctx, page, req.Render.WaitFor, req.Timeout()); werr != nil {
			if ctx.Err() != nil {
				return p.totalTimeout(ctx.Err())
			}
			p.note(resp, fmt.Sprintf("wait_for condition not met: %v", werr))
		}
	}

	// Scroll
	if req.Render.Scroll.Enabled {
		if !req.JavaScriptEnabled() {
			p.note(resp, "scroll skipped: javascript is disabled")
		} else {
			delay := time.Duration(req.Render.Scroll.DelayMs) * time.Millisecond
			if serr := p.scroller.ScrollPage(ctx, page, req.Render.Scroll.MaxScrolls, delay); serr != nil {
				if ctx.Err() != nil {
					return p.totalTimeout(ctx.Err())
				}
				p.note(resp, fmt.Sprintf("scroll incomplete: %v", serr))
			}
		}
	}

	// Extraction
	html, herr := page.HTML(ctx)
	if herr != nil {
		if ctx.Err() != nil {
			return p.totalTimeout(ctx.Err())
		}
		return types.NewRenderError(types.CodeRenderFailed, "failed to extract page content", herr)
	}
	title, terr := page.Title(ctx)
	if terr != nil {
		log.Debug().Err(terr).Str("request_id", resp.RequestID).Msg("Failed to read page title")
	}

	// Detection reads visible text; fall back to stripped markup when
	// innerText cannot be evaluated.
	text := ""
	if req.JavaScriptEnabled() {
		if raw, xerr := page.Eval(ctx, innerTextProbe); xerr == nil {
			text = raw
		}
	}
	if text == "" {
		text = detect.FallbackText(html)
	}

	captcha, block := p.suite.Run(ctx, detect.NewSnapshot(html, text, status, title))
	resp.Meta.CaptchaDetected = captcha.Detected
	resp.Meta.CaptchaType = captcha.Type
	resp.Meta.Blocked = block.Blocked
	resp.Meta.BlockReason = block.Reason
	resp.Meta.PageTitle = title

	resp.Content = &types.Content{HTML: html}

	// Debug artifacts
	if req.Debug.Screenshot {
		png, serr := page.Screenshot(ctx)
		if serr != nil {
			p.note(resp, fmt.Sprintf("screenshot failed: %v", serr))
		} else {
			resp.Content.Screenshot = base64.StdEncoding.EncodeToString(png)
		}
	}
	if req.Debug.HAR {
		p.note(resp, "har capture is not supported")
	}

	return nil
}

// runScripts executes js_code entries sequentially, collecting their
// return values. The first failing script stops the list but does not
// fail the render; only a blown total deadline aborts.
func (p *Pipeline) runScripts(ctx context.Context, req *types.RenderRequest, resp *types.RenderResponse, page engine.Page) error {
	for i, script := range req.Render.JSCode {
		if err := ctx.Err(); err != nil {
			return p.totalTimeout(err)
		}
		value, err := page.Eval(ctx, script)
		if err != nil {
			if ctx.Err() != nil {
				return p.totalTimeout(ctx.Err())
			}
			p.note(resp, fmt.Sprintf("js_code[%d] failed, remaining scripts skipped: %v", i, err))
			log.Debug().
				Err(err).
				Int("script_index", i).
				Str("request_id", resp.RequestID).
				Msg("Client script failed")
			return nil
		}
		resp.Meta.ScriptResults = append(resp.Meta.ScriptResults, value)
		if i < len(req.Render.JSCode)-1 {
			if !humanize.Sleep(ctx, scriptGap) {
				return p.totalTimeout(ctx.Err())
			}
		}
	}
	return nil
}

// waitFor resolves the wait_for syntax: "css:" and "js:" prefixes pick
// the wait kind, a bare value is treated as a CSS selector. The wait is
// bounded by the request's own render timeout.
func (p *Pipeline) waitFor(ctx context.Context, page engine.Page, condition string, timeout time.Duration) error {
	switch {
	case strings.HasPrefix(condition, "js:"):
		return page.WaitFunction(ctx, strings.TrimPrefix(condition, "js:"), timeout)
	case strings.HasPrefix(condition, "css:"):
		return page.WaitSelector(ctx, strings.TrimPrefix(condition, "css:"), timeout)
	default:
		return page.WaitSelector(ctx, condition, timeout)
	}
}

// stabilize waits for the document markup to settle after network idle.
// SPAs often keep painting after the last request; two consecutive
// identical length reads within the budget is treated as settled.
// Best effort: failures and budget exhaustion are not errors.
func (p *Pipeline) stabilize(ctx context.Context, page engine.Page) {
	deadline := time.Now().Add(stabilizeBudget)
	var lastLength, stable int

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		raw, err := page.Eval(ctx, stabilizeProbe)
		if err != nil {
			return
		}
		length, perr := parseCount(raw)
		if perr != nil {
			return
		}
		if length == lastLength {
			stable++
			if stable >= stabilizeStableReads {
				return
			}
		} else {
			stable = 0
			lastLength = length
		}
		if !humanize.Sleep(ctx, stabilizePollInterval) {
			return
		}
	}
}

func parseCount(raw string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.Trim(strings.TrimSpace(raw), `"`), "%d", &n)
	return n, err
}

// wrapNavError maps a navigation failure to its error code. The outer
// deadline wins over the per-navigation one.
func (p *Pipeline) wrapNavError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return p.totalTimeout(ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewRenderError(types.CodeTimeout, "navigation timed out", err)
	}
	return types.NewRenderError(types.CodeNavigationFailed, fmt.Sprintf("navigation failed: %v", err), err)
}

func (p *Pipeline) totalTimeout(err error) error {
	return types.NewRenderError(types.CodeTotalTimeout, "total render deadline exceeded", err)
}

func (p *Pipeline) note(resp *types.RenderResponse, note string) {
	resp.Meta.Notes = append(resp.Meta.Notes, note)
}

// fail finalizes a response for a pipeline error.
func (p *Pipeline) fail(resp *types.RenderResponse, start time.Time, err error) *types.RenderResponse {
	code := types.CodeOf(err)
	resp.Success = false
	resp.Meta.DurationMs = time.Since(start).Milliseconds()
	resp.Errors = append(resp.Errors, types.ErrorDetail{
		Code:    code,
		Message: err.Error(),
	})
	log.Warn().
		Str("request_id", resp.RequestID).
		Str("code", code).
		Err(err).
		Msg("Render failed")
	return resp
}
