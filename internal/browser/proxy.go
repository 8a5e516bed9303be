package browser

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/renderbird/renderbird/internal/types"
)

// Default ports per proxy scheme, applied when the server omits one.
var defaultProxyPorts = map[string]string{
	"http":   "8080",
	"https":  "443",
	"socks5": "1080",
}

// Proxy is a normalized upstream proxy: the URL carries no credentials
// because Chrome's proxy flag cannot, so auth is handled separately.
type Proxy struct {
	URL      string // scheme://host:port
	Username string
	Password string
}

// NormalizeProxy parses and normalizes a request's proxy options.
// A server without a scheme defaults to http. Credentials may come from
// the options or be embedded in the server URL, but not both.
func NormalizeProxy(opts *types.ProxyOptions) (*Proxy, error) {
	server := strings.TrimSpace(opts.Server)
	if server == "" {
		return nil, fmt.Errorf("%w: empty server", types.ErrInvalidProxy)
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}

	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidProxy, err)
	}

	scheme := strings.ToLower(u.Scheme)
	defaultPort, ok := defaultProxyPorts[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported scheme %q", types.ErrInvalidProxy, scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", types.ErrInvalidProxy)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("%w: server must not contain a path", types.ErrInvalidProxy)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	username := opts.Username
	password := opts.Password
	if u.User != nil {
		if username != "" {
			return nil, fmt.Errorf("%w: credentials in both server URL and options", types.ErrInvalidProxy)
		}
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	if (username == "") != (password == "") {
		return nil, fmt.Errorf("%w: username and password must be provided together", types.ErrInvalidProxy)
	}

	return &Proxy{
		URL:      fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(u.Hostname(), port)),
		Username: username,
		Password: password,
	}, nil
}

// Redact strips credentials for logging.
func (p *Proxy) Redact() string {
	if p.Username == "" {
		return p.URL
	}
	return fmt.Sprintf("%s (authenticated)", p.URL)
}
