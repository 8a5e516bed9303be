package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/renderbird/renderbird/internal/metrics"
	"github.com/renderbird/renderbird/internal/ratelimit"
	"github.com/renderbird/renderbird/internal/types"
)

// RateLimit enforces the per-IP limiter. Every response, allowed or
// rejected, carries the X-RateLimit-* headers so clients can pace
// themselves; rejections get a 429 with a Retry-After.
//
// Build the limiter once at startup and share it across routes;
// separate limiters mean separate counters.
func RateLimit(limiter *ratelimit.Limiter, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustProxy)
			d := limiter.Check(ip)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

			if !d.Allowed {
				retryAfter := int(time.Until(d.Reset).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				metrics.RateLimitedTotal.Inc()
				log.Debug().Str("client", maskIP(ip)).Msg("Rate limit exceeded")
				writeCodedError(w, types.CodeRateLimited,
					"rate limit exceeded, try again later", GetRequestID(r.Context()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client address. Forwarding headers are only
// honored when trustProxy is set; otherwise they are trivially spoofed.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := xff
			if idx := strings.Index(xff, ","); idx > 0 {
				first = xff[:idx]
			}
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip := normalizeIP(xri); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return normalizeIP(host)
}

// normalizeIP canonicalizes an address so IPv6 spelling variants all
// map to one rate limit bucket.
func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return s
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.String()
}
