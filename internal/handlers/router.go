package handlers

import (
	"net/http"

	"github.com/renderbird/renderbird/internal/config"
	"github.com/renderbird/renderbird/internal/middleware"
	"github.com/renderbird/renderbird/internal/ratelimit"
	"github.com/renderbird/renderbird/internal/types"
)

// NewRouter assembles the route table and middleware stack. The rate
// limiter guards only the render endpoint; health and status stay open
// for probes.
func NewRouter(h *Handler, cfg *config.Config, limiter *ratelimit.Limiter) http.Handler {
	mux := http.NewServeMux()

	limited := middleware.RateLimit(limiter, cfg.TrustProxy)
	mux.Handle("/v1/render", limited(methodOnly(http.MethodPost, http.HandlerFunc(h.Render))))
	mux.Handle("/v1/pool/status", methodOnly(http.MethodGet, http.HandlerFunc(h.PoolStatus)))
	mux.Handle("/health", methodOnly(http.MethodGet, http.HandlerFunc(h.Health)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		methodOnly(http.MethodGet, http.HandlerFunc(h.Index)).ServeHTTP(w, r)
	})

	stack := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.RequestID,
		middleware.Logging,
		middleware.SecurityHeaders,
	}
	if cfg.CORSEnabled {
		stack = append(stack, middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins}))
	}

	return middleware.Chain(stack...)(mux)
}

// methodOnly rejects other verbs with a coded 405.
func methodOnly(method string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeJSON(w, http.StatusMethodNotAllowed, &types.RenderResponse{
				Success:   false,
				RequestID: middleware.GetRequestID(r.Context()),
				Errors: []types.ErrorDetail{
					{Code: types.CodeValidationError, Message: "method not allowed"},
				},
				Timestamp: types.NewTimestamp(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
