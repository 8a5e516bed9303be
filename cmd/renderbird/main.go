// Command renderbird runs the headless rendering service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/renderbird/renderbird/internal/browser"
	"github.com/renderbird/renderbird/internal/config"
	"github.com/renderbird/renderbird/internal/detect"
	"github.com/renderbird/renderbird/internal/engine"
	"github.com/renderbird/renderbird/internal/handlers"
	"github.com/renderbird/renderbird/internal/metrics"
	"github.com/renderbird/renderbird/internal/pipeline"
	"github.com/renderbird/renderbird/internal/ratelimit"
	"github.com/renderbird/renderbird/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	setupLogging(cfg)
	cfg.Validate()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting renderbird")

	rules := detect.NewManager(cfg.DetectionRulesPath, cfg.DetectionHotReload)
	defer func() { _ = rules.Close() }()

	pool, err := browser.NewPool(cfg, engine.RodLaunchFunc(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize browser pool")
	}

	broker := browser.NewBroker(time.Now().UnixNano())
	pipe := pipeline.New(pool, broker, detect.NewSuite(rules))

	limiter := ratelimit.New(cfg.RateLimitEnabled, cfg.RateLimitMax, cfg.RateLimitWindow)
	defer limiter.Close()

	h := handlers.New(cfg, pool, pipe)
	router := handlers.NewRouter(h, cfg, limiter)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Renders can legitimately run past two minutes under the
		// maximum timeout plus grace.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	stopGauges := make(chan struct{})
	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		metricsSrv = startMetricsServer(cfg)
		go refreshPoolGauges(pool, stopGauges)
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	close(stopGauges)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown incomplete")
		}
	}
	if err := pool.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Browser pool shutdown incomplete")
	}

	log.Info().Msg("Shutdown complete")
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.Development {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func startMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}

// refreshPoolGauges keeps the pool occupancy gauges current between
// status requests.
func refreshPoolGauges(pool *browser.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := pool.Snapshot()
			metrics.UpdatePool(snap.TotalBrowsers, snap.ActiveContexts, snap.QueueLength)
		}
	}
}
