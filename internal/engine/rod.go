package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/renderbird/renderbird/internal/config"
)

// networkIdleWindow is how long the network must be quiet before a
// networkidle navigation is considered settled.
const networkIdleWindow = 500 * time.Millisecond

// RodLaunchFunc returns a LaunchFunc that starts a real Chrome process
// via Rod. Each call to the returned function launches one browser.
func RodLaunchFunc(cfg *config.Config) LaunchFunc {
	return func(ctx context.Context) (Engine, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		l := newLauncher(cfg)
		url, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}

		browser := rod.New().ControlURL(url)
		if err := browser.Connect(); err != nil {
			l.Cleanup()
			return nil, fmt.Errorf("failed to connect to browser: %w", err)
		}

		log.Debug().Str("url", url).Msg("Browser launched")
		return &rodEngine{browser: browser, launcher: l}, nil
	}
}

// newLauncher builds a launcher with flags tuned for running headless
// Chrome in containers without tripping common automation checks.
func newLauncher(cfg *config.Config) *launcher.Launcher {
	l := launcher.New()

	if cfg.BrowserPath != "" {
		l = l.Bin(cfg.BrowserPath)
	}

	if cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod defaults to headless. Must be disabled explicitly when an
		// Xvfb display is available.
		l = l.Headless(false)
	}

	// Container sandbox flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// Prevent WebRTC from leaking the host IP through ICE candidates.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// Keep navigator.webdriver undefined and drop the automation banner.
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,WebRtcHideLocalIpsWithMdns")

	// Software WebGL. Empty WebGL values are a detection signal.
	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl")

	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote")

	l = l.Set("disable-gpu-sandbox")
	if runtime.GOARCH == "arm" || runtime.GOARCH == "arm64" {
		// --disable-gpu breaks SwiftShader on ARM, use software compositing.
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

// rodEngine wraps one Chrome process.
type rodEngine struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func (e *rodEngine) NewContext(ctx context.Context, opts ContextOptions) (BrowsingContext, error) {
	create := proto.TargetCreateBrowserContext{
		DisposeOnDetach: true,
	}
	if opts.ProxyURL != "" {
		create.ProxyServer = opts.ProxyURL
	}
	res, err := create.Call(e.browser)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	bc := &rodContext{
		browser:   e.browser,
		contextID: res.BrowserContextID,
	}

	page, err := e.browser.Page(proto.TargetCreateTarget{
		URL:              "about:blank",
		BrowserContextID: res.BrowserContextID,
	})
	if err != nil {
		bc.dispose()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	bc.page = &rodPage{page: page}

	if err := configurePage(ctx, page, opts); err != nil {
		_ = bc.Close()
		return nil, err
	}

	if opts.ProxyUsername != "" {
		waitAuth := e.browser.HandleAuth(opts.ProxyUsername, opts.ProxyPassword)
		go func() {
			if err := waitAuth(); err != nil {
				log.Debug().Err(err).Msg("Proxy auth handler exited")
			}
		}()
	}

	return bc, nil
}

// configurePage applies fingerprint and stealth settings. Must run
// before the first navigation.
func configurePage(ctx context.Context, page *rod.Page, opts ContextOptions) error {
	p := page.Context(ctx)

	if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.ViewportWidth,
		Height:            opts.ViewportHeight,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	if opts.UserAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{
			UserAgent:      opts.UserAgent,
			AcceptLanguage: opts.AcceptLanguage,
		}).Call(p); err != nil {
			return fmt.Errorf("failed to set user agent: %w", err)
		}
	}

	if opts.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: opts.Locale}).Call(p); err != nil {
			log.Warn().Err(err).Str("locale", opts.Locale).Msg("Failed to set locale override")
		}
	}
	if opts.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: opts.Timezone}).Call(p); err != nil {
			log.Warn().Err(err).Str("timezone", opts.Timezone).Msg("Failed to set timezone override")
		}
	}

	if !opts.JavaScript {
		if err := (proto.EmulationSetScriptExecutionDisabled{Value: true}).Call(p); err != nil {
			return fmt.Errorf("failed to disable script execution: %w", err)
		}
	}

	if len(opts.ExtraHeaders) > 0 {
		headers := make(proto.NetworkHeaders, len(opts.ExtraHeaders))
		for k, v := range opts.ExtraHeaders {
			headers[k] = gson.New(v)
		}
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: headers}).Call(p); err != nil {
			log.Warn().Err(err).Msg("Failed to set extra headers")
		}
	}

	// Response capture needs network events flowing.
	if err := (proto.NetworkEnable{}).Call(p); err != nil {
		log.Debug().Err(err).Msg("Failed to enable network domain")
	}

	// Stealth patches run before any document script on every navigation.
	if opts.JavaScript {
		if _, err := p.EvalOnNewDocument(stealth.JS); err != nil {
			return fmt.Errorf("failed to install stealth script: %w", err)
		}
		if _, err := p.EvalOnNewDocument(markerScript); err != nil {
			return fmt.Errorf("failed to install marker script: %w", err)
		}
	}

	return nil
}

// markerScript records that patches ran without exposing an enumerable
// window property that detection scripts could iterate over.
const markerScript = `
(() => {
    if (Object.getOwnPropertyDescriptor(window, '__renderReady')) return;
    Object.defineProperty(window, '__renderReady', {
        value: true,
        enumerable: false,
        configurable: false,
        writable: false
    });
})();
`

func (e *rodEngine) Healthy(ctx context.Context) bool {
	page, err := e.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot create page")
		return false
	}
	defer func() { _ = page.Close() }()

	if err := page.Context(ctx).Navigate("about:blank"); err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot navigate")
		return false
	}
	return true
}

func (e *rodEngine) Close() error {
	err := e.browser.Close()
	e.launcher.Cleanup()
	return err
}

// rodContext is one isolated browser context with a single page.
type rodContext struct {
	browser   *rod.Browser
	contextID proto.BrowserBrowserContextID
	page      *rodPage
	closeOnce sync.Once
}

func (c *rodContext) Page() Page {
	return c.page
}

func (c *rodContext) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.page != nil {
			if perr := c.page.page.Close(); perr != nil {
				log.Debug().Err(perr).Msg("Error closing page")
			}
		}
		err = c.dispose()
	})
	return err
}

func (c *rodContext) dispose() error {
	return proto.TargetDisposeBrowserContext{BrowserContextID: c.contextID}.Call(c.browser)
}

// rodPage implements Page on a rod page.
type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url, waitUntil string, timeout time.Duration) (*NavigationResult, error) {
	page := p.page.Context(ctx).Timeout(timeout)

	// Capture the final main-document response. Redirect hops each fire
	// their own event; the last Document response wins.
	var mu sync.Mutex
	result := &NavigationResult{}
	captureCtx, stopCapture := context.WithCancel(ctx)
	defer stopCapture()

	var captureWg sync.WaitGroup
	captureWg.Add(1)
	go func() {
		defer captureWg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered from panic in response capture")
			}
		}()
		p.page.Context(captureCtx).EachEvent(func(e *proto.NetworkResponseReceived) bool {
			if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
				return false
			}
			mu.Lock()
			result.Status = e.Response.Status
			result.FinalURL = e.Response.URL
			mu.Unlock()
			return false
		})()
	}()

	var waitDOM, waitIdle func()
	switch waitUntil {
	case WaitDOMContentLoaded:
		waitDOM = page.WaitEvent(&proto.PageDomContentEventFired{})
	case WaitNetworkIdle:
		waitIdle = page.WaitRequestIdle(networkIdleWindow, nil, nil, nil)
	}

	if err := page.Navigate(url); err != nil {
		return nil, err
	}

	switch waitUntil {
	case WaitCommit:
		// Navigate already waits for the navigation to commit.
	case WaitDOMContentLoaded:
		waitDOM()
	case WaitNetworkIdle:
		waitIdle()
	default: // load
		if err := page.WaitLoad(); err != nil {
			return nil, err
		}
	}

	stopCapture()
	captureWg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return &NavigationResult{Status: result.Status, FinalURL: result.FinalURL}, nil
}

func (p *rodPage) Eval(ctx context.Context, js string) (string, error) {
	res, err := p.page.Context(ctx).Evaluate(rod.Eval(js).ByPromise())
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", nil
	}
	return res.Value.String(), nil
}

func (p *rodPage) WaitSelector(ctx context.Context, selector string, timeout time.Duration) error {
	_, err := p.page.Context(ctx).Timeout(timeout).Element(selector)
	return err
}

func (p *rodPage) WaitFunction(ctx context.Context, js string, timeout time.Duration) error {
	return p.page.Context(ctx).Timeout(timeout).Wait(rod.Eval(js))
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

// Screenshot captures the full page height, not just the viewport.
func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}
