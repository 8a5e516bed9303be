// Package ratelimit implements a fixed-window request limiter keyed by
// client IP. Counters reset at window boundaries; the response headers
// report the limit, what remains, and when the window resets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// window is one client's counter for the current fixed window.
type window struct {
	count int
	start time.Time
}

// Decision is the outcome of one admission check, including the values
// for the X-RateLimit response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter admits up to max requests per key per window. A disabled
// limiter admits everything.
type Limiter struct {
	enabled bool
	max     int
	window  time.Duration

	mu      sync.Mutex
	clients map[string]*window

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a limiter. When enabled it starts a background sweeper
// that drops counters for idle clients.
func New(enabled bool, max int, windowDur time.Duration) *Limiter {
	l := &Limiter{
		enabled: enabled,
		max:     max,
		window:  windowDur,
		clients: make(map[string]*window),
		stopCh:  make(chan struct{}),
	}
	if enabled {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.sweep()
		}()
		log.Info().
			Int("max_requests", max).
			Dur("window", windowDur).
			Msg("Rate limiting enabled")
	}
	return l
}

// Check admits or rejects one request for key. The returned decision
// always carries header values, including on rejection where Remaining
// is zero and Reset points at the end of the current window.
func (l *Limiter) Check(key string) Decision {
	if !l.enabled {
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max, Reset: time.Now().Add(l.window)}
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &window{start: now}
		l.clients[key] = w
	}

	reset := w.start.Add(l.window)
	if w.count >= l.max {
		return Decision{Allowed: false, Limit: l.max, Remaining: 0, Reset: reset}
	}
	w.count++
	return Decision{Allowed: true, Limit: l.max, Remaining: l.max - w.count, Reset: reset}
}

// sweep drops windows that expired a full window ago. Bounds the map to
// clients seen recently instead of growing with every IP ever seen.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.window)
			l.mu.Lock()
			before := len(l.clients)
			for key, w := range l.clients {
				if w.start.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			removed := before - len(l.clients)
			l.mu.Unlock()
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("Swept stale rate limit windows")
			}
		}
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
	})
}
