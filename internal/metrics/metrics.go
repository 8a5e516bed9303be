// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "renderbird"

var (
	// RendersTotal counts completed renders by outcome and error code.
	RendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "renders_total",
		Help:      "Completed render requests by outcome and error code.",
	}, []string{"outcome", "code"})

	// RenderDuration observes end-to-end render latency.
	RenderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "render_duration_seconds",
		Help:      "End-to-end render duration.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	}, []string{"outcome"})

	// RendersInFlight tracks concurrently executing renders.
	RendersInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "renders_in_flight",
		Help:      "Render requests currently executing.",
	})

	// Pool occupancy gauges, refreshed periodically from pool snapshots.
	PoolBrowsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_browsers",
		Help:      "Browser processes currently in the pool.",
	})
	PoolActiveContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_active_contexts",
		Help:      "Browsing contexts currently leased.",
	})
	PoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_queue_depth",
		Help:      "Acquirers waiting for pool capacity.",
	})

	// CaptchasDetected counts captcha classifications by provider.
	CaptchasDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "captchas_detected_total",
		Help:      "Renders where a captcha was detected, by type.",
	}, []string{"type"})

	// BlocksDetected counts block classifications by reason.
	BlocksDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_detected_total",
		Help:      "Renders classified as blocked, by reason.",
	}, []string{"reason"})

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})
)

// ObserveRender records one completed render.
func ObserveRender(success bool, code string, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	RendersTotal.WithLabelValues(outcome, code).Inc()
	RenderDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// UpdatePool refreshes the pool occupancy gauges.
func UpdatePool(browsers, activeContexts, queueDepth int) {
	PoolBrowsers.Set(float64(browsers))
	PoolActiveContexts.Set(float64(activeContexts))
	PoolQueueDepth.Set(float64(queueDepth))
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
