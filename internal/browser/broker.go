package browser

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/renderbird/renderbird/internal/engine"
	"github.com/renderbird/renderbird/internal/types"
)

// userAgents is the rotation pool used when a request does not pin its
// own user agent. All entries are current desktop Chrome builds so the
// client-hint headers below stay consistent.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

// Broker turns request-level browser options into a fully specified
// context configuration: fingerprint fields merged with defaults, a
// user agent chosen from the rotation pool, and the proxy normalized.
type Broker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewBroker creates a broker seeded with seed. Pass a fixed seed in
// tests for deterministic user agent selection.
func NewBroker(seed int64) *Broker {
	return &Broker{rng: rand.New(rand.NewSource(seed))}
}

// Configure builds the context options for one render request.
// The request must already have defaults applied and be validated.
func (b *Broker) Configure(req *types.RenderRequest) (engine.ContextOptions, error) {
	opts := engine.ContextOptions{
		ViewportWidth:  req.Browser.Viewport.Width,
		ViewportHeight: req.Browser.Viewport.Height,
		Locale:         req.Browser.Locale,
		Timezone:       req.Browser.Timezone,
		JavaScript:     req.JavaScriptEnabled(),
	}

	ua := req.Browser.UserAgent
	if ua == "" {
		ua = b.pickUserAgent()
	}
	opts.UserAgent = ua
	opts.AcceptLanguage = acceptLanguage(req.Browser.Locale)
	opts.ExtraHeaders = clientHintHeaders(ua)

	if req.Proxy != nil {
		proxy, err := NormalizeProxy(req.Proxy)
		if err != nil {
			return engine.ContextOptions{}, err
		}
		opts.ProxyURL = proxy.URL
		opts.ProxyUsername = proxy.Username
		opts.ProxyPassword = proxy.Password
	}

	return opts, nil
}

func (b *Broker) pickUserAgent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return userAgents[b.rng.Intn(len(userAgents))]
}

// acceptLanguage derives an Accept-Language header from the requested
// locale, keeping the bare language as a lower-quality fallback.
func acceptLanguage(locale string) string {
	if locale == "" {
		return "en-US,en;q=0.9"
	}
	lang := locale
	if idx := strings.IndexAny(locale, "-_"); idx > 0 {
		lang = locale[:idx]
	}
	if lang == locale {
		return fmt.Sprintf("%s;q=0.9", locale)
	}
	return fmt.Sprintf("%s,%s;q=0.9", locale, lang)
}

// clientHintHeaders returns the low-entropy client hints Chrome sends
// with every request. Missing hints alongside a Chrome user agent are a
// detection signal.
func clientHintHeaders(ua string) map[string]string {
	platform := `"Linux"`
	switch {
	case strings.Contains(ua, "Windows"):
		platform = `"Windows"`
	case strings.Contains(ua, "Mac OS X"):
		platform = `"macOS"`
	}

	major := chromeMajor(ua)
	return map[string]string{
		"sec-ch-ua":          fmt.Sprintf(`"Chromium";v="%s", "Google Chrome";v="%s", "Not_A Brand";v="24"`, major, major),
		"sec-ch-ua-mobile":   "?0",
		"sec-ch-ua-platform": platform,
	}
}

// chromeMajor extracts the major version from a Chrome user agent.
func chromeMajor(ua string) string {
	const marker = "Chrome/"
	idx := strings.Index(ua, marker)
	if idx < 0 {
		return "131"
	}
	rest := ua[idx+len(marker):]
	if dot := strings.Index(rest, "."); dot > 0 {
		return rest[:dot]
	}
	return "131"
}
