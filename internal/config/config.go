// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxBrowsers        = 20
	maxContextsPerBrowser = 50
	maxRateLimitRequests  = 10000
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host        string
	Port        int
	CORSEnabled bool
	CORSOrigins []string

	// Browser settings
	Headless    bool
	BrowserPath string

	// Pool settings
	MinBrowsers         int
	MaxBrowsers         int
	MaxContextsPerBrwsr int
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration

	// Rate limiting
	RateLimitEnabled bool
	RateLimitWindow  time.Duration
	RateLimitMax     int
	TrustProxy       bool // Trust X-Forwarded-For (only behind a reverse proxy)

	// Metrics
	MetricsEnabled bool
	MetricsPort    int

	// Detection rule overrides
	DetectionRulesPath string
	DetectionHotReload bool

	// Logging
	LogLevel string

	// Development mode: include raw error details in responses
	Development bool
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		Host:        getEnvString("HOST", "0.0.0.0"),
		Port:        getEnvInt("PORT", 3000),
		CORSEnabled: getEnvBool("CORS_ENABLED", true),
		CORSOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		MinBrowsers:         getEnvInt("POOL_MIN_BROWSERS", 1),
		MaxBrowsers:         getEnvInt("POOL_MAX_BROWSERS", 3),
		MaxContextsPerBrwsr: getEnvInt("POOL_MAX_CONTEXTS", 5),
		IdleTimeout:         getEnvDuration("BROWSER_IDLE_TIMEOUT", 5*time.Minute),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),

		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitWindow:  time.Duration(getEnvInt("RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
		RateLimitMax:     getEnvInt("RATE_LIMIT_MAX_REQUESTS", 30),
		TrustProxy:       getEnvBool("TRUST_PROXY", false),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", false),
		MetricsPort:    getEnvInt("METRICS_PORT", 9090),

		DetectionRulesPath: getEnvString("DETECTION_RULES_PATH", ""),
		DetectionHotReload: getEnvBool("DETECTION_RULES_HOT_RELOAD", false),

		LogLevel:    getEnvString("LOG_LEVEL", "info"),
		Development: getEnvBool("DEVELOPMENT", false),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 3000")
		c.Port = 3000
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BROWSER_PATH contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	if c.MinBrowsers < 0 {
		log.Warn().Int("min", c.MinBrowsers).Msg("Invalid POOL_MIN_BROWSERS, using 1")
		c.MinBrowsers = 1
	}
	if c.MaxBrowsers < 1 {
		log.Warn().Int("max", c.MaxBrowsers).Msg("Invalid POOL_MAX_BROWSERS, using 3")
		c.MaxBrowsers = 3
	} else if c.MaxBrowsers > maxMaxBrowsers {
		log.Warn().
			Int("max", c.MaxBrowsers).
			Int("cap", maxMaxBrowsers).
			Msg("POOL_MAX_BROWSERS too large, capping to maximum")
		c.MaxBrowsers = maxMaxBrowsers
	}
	if c.MinBrowsers > c.MaxBrowsers {
		log.Warn().
			Int("min", c.MinBrowsers).
			Int("max", c.MaxBrowsers).
			Msg("POOL_MIN_BROWSERS exceeds POOL_MAX_BROWSERS, adjusting to max")
		c.MinBrowsers = c.MaxBrowsers
	}
	if c.MaxContextsPerBrwsr < 1 {
		log.Warn().Int("contexts", c.MaxContextsPerBrwsr).Msg("Invalid POOL_MAX_CONTEXTS, using 5")
		c.MaxContextsPerBrwsr = 5
	} else if c.MaxContextsPerBrwsr > maxContextsPerBrowser {
		log.Warn().
			Int("contexts", c.MaxContextsPerBrwsr).
			Int("cap", maxContextsPerBrowser).
			Msg("POOL_MAX_CONTEXTS too large, capping to maximum")
		c.MaxContextsPerBrwsr = maxContextsPerBrowser
	}

	const minIdleTimeout = 10 * time.Second
	if c.IdleTimeout < minIdleTimeout {
		log.Warn().
			Dur("timeout", c.IdleTimeout).
			Dur("min", minIdleTimeout).
			Msg("BROWSER_IDLE_TIMEOUT too short, using minimum")
		c.IdleTimeout = minIdleTimeout
	}
	const minHealthInterval = time.Second
	if c.HealthCheckInterval < minHealthInterval {
		log.Warn().
			Dur("interval", c.HealthCheckInterval).
			Dur("min", minHealthInterval).
			Msg("HEALTH_CHECK_INTERVAL too short, using minimum")
		c.HealthCheckInterval = minHealthInterval
	}

	if c.RateLimitEnabled {
		if c.RateLimitWindow < time.Second {
			log.Warn().Dur("window", c.RateLimitWindow).Msg("RATE_LIMIT_WINDOW_MS too short, using 60s")
			c.RateLimitWindow = time.Minute
		}
		if c.RateLimitMax < 1 {
			log.Warn().Int("max", c.RateLimitMax).Msg("Invalid RATE_LIMIT_MAX_REQUESTS, using 30")
			c.RateLimitMax = 30
		} else if c.RateLimitMax > maxRateLimitRequests {
			log.Warn().
				Int("max", c.RateLimitMax).
				Int("cap", maxRateLimitRequests).
				Msg("RATE_LIMIT_MAX_REQUESTS too high, capping to maximum")
			c.RateLimitMax = maxRateLimitRequests
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.MetricsEnabled && c.MetricsPort == c.Port {
		log.Warn().
			Int("port", c.MetricsPort).
			Msg("METRICS_PORT conflicts with PORT, disabling metrics")
		c.MetricsEnabled = false
	}

	if c.DetectionHotReload && c.DetectionRulesPath == "" {
		log.Warn().Msg("DETECTION_RULES_HOT_RELOAD enabled but DETECTION_RULES_PATH not set - hot-reload disabled")
		c.DetectionHotReload = false
	}
	if c.DetectionRulesPath != "" {
		if strings.Contains(c.DetectionRulesPath, "..") {
			log.Error().
				Str("path", c.DetectionRulesPath).
				Msg("DETECTION_RULES_PATH contains path traversal sequence (..), ignoring")
			c.DetectionRulesPath = ""
			c.DetectionHotReload = false
		}
	}

	if len(c.CORSOrigins) == 0 && c.CORSEnabled {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - allowing all origins")
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
