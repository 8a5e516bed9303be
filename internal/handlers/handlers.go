// Package handlers implements the HTTP API surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/renderbird/renderbird/internal/browser"
	"github.com/renderbird/renderbird/internal/config"
	"github.com/renderbird/renderbird/internal/metrics"
	"github.com/renderbird/renderbird/internal/middleware"
	"github.com/renderbird/renderbird/internal/pipeline"
	"github.com/renderbird/renderbird/internal/types"
	"github.com/renderbird/renderbird/pkg/version"
)

// maxRequestBodySize caps render request bodies at 1MB.
const maxRequestBodySize = 1 << 20

// Handler carries the dependencies for all HTTP endpoints.
type Handler struct {
	cfg       *config.Config
	pool      *browser.Pool
	pipeline  *pipeline.Pipeline
	startTime time.Time
}

// New creates the handler set.
func New(cfg *config.Config, pool *browser.Pool, pipe *pipeline.Pipeline) *Handler {
	return &Handler{
		cfg:       cfg,
		pool:      pool,
		pipeline:  pipe,
		startTime: time.Now(),
	}
}

// Render handles POST /v1/render.
func (h *Handler) Render(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req types.RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		msg := "invalid JSON body"
		if errors.As(err, &maxErr) {
			msg = "request body too large"
		}
		h.writeValidationFailure(w, requestID, []types.ErrorDetail{
			{Code: types.CodeValidationError, Message: msg},
		})
		return
	}

	req.ApplyDefaults()
	if details := req.Validate(); len(details) > 0 {
		h.writeValidationFailure(w, requestID, details)
		return
	}

	metrics.RendersInFlight.Inc()
	defer metrics.RendersInFlight.Dec()

	resp := h.pipeline.Render(r.Context(), &req, requestID)

	code := ""
	status := http.StatusOK
	if !resp.Success && len(resp.Errors) > 0 {
		code = resp.Errors[0].Code
		status = types.HTTPStatusFor(code)
	}
	metrics.ObserveRender(resp.Success, code, time.Duration(resp.Meta.DurationMs)*time.Millisecond)
	if resp.Meta.CaptchaDetected {
		metrics.CaptchasDetected.WithLabelValues(resp.Meta.CaptchaType).Inc()
	}
	if resp.Meta.Blocked {
		metrics.BlocksDetected.WithLabelValues(resp.Meta.BlockReason).Inc()
	}

	writeJSON(w, status, resp)
}

func (h *Handler) writeValidationFailure(w http.ResponseWriter, requestID string, details []types.ErrorDetail) {
	log.Debug().Str("request_id", requestID).Int("violations", len(details)).Msg("Render request rejected")
	writeJSON(w, http.StatusBadRequest, &types.RenderResponse{
		Success:   false,
		RequestID: requestID,
		Errors:    details,
		Timestamp: types.NewTimestamp(),
	})
}

// healthResponse is the /health payload.
type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Pool          struct {
		Browsers       int `json:"browsers"`
		ActiveContexts int `json:"active_contexts"`
		QueueDepth     int `json:"queue_depth"`
	} `json:"pool"`
}

// Health handles GET /health. Reports 503 when no healthy browser
// remains so load balancers stop routing here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.pool.Snapshot()

	resp := healthResponse{
		Status:        "ok",
		Version:       version.Full(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	resp.Pool.Browsers = snap.TotalBrowsers
	resp.Pool.ActiveContexts = snap.ActiveContexts
	resp.Pool.QueueDepth = snap.QueueLength

	status := http.StatusOK
	if !h.pool.Healthy() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, &resp)
}

// poolStatusResponse is the /v1/pool/status payload.
type poolStatusResponse struct {
	Success bool           `json:"success"`
	Data    browser.Status `json:"data"`
}

// PoolStatus handles GET /v1/pool/status.
func (h *Handler) PoolStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.pool.Snapshot()
	metrics.UpdatePool(snap.TotalBrowsers, snap.ActiveContexts, snap.QueueLength)
	writeJSON(w, http.StatusOK, &poolStatusResponse{Success: true, Data: snap})
}

// indexResponse is the service descriptor served at the root.
type indexResponse struct {
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// Index handles GET /.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &indexResponse{
		Service: "renderbird",
		Version: version.Full(),
		Endpoints: []string{
			"POST /v1/render",
			"GET /v1/pool/status",
			"GET /health",
		},
	})
}
