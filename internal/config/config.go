// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jthomasson/bookpool/pkg/version"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxPoolSize       = 20
	maxSourcePoolSize = 8
	maxSessionAge     = 1 * time.Hour
	maxSessionIdle    = 30 * time.Minute
	maxAcquireTimeout = 5 * time.Minute
	maxPageLoad       = 2 * time.Minute
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Browser settings
	Headless     bool
	BrowserPath  string
	UserAgent    string
	WindowWidth  int
	WindowHeight int

	// Pool settings
	PoolSize             int
	AcquireTimeout       time.Duration
	SourceAcquireTimeout time.Duration
	SourcePoolSize       int

	// Session expiry policy. Sessions older than SessionMaxAge or idle
	// longer than SessionMaxIdle are restarted on next checkout.
	SessionMaxAge  time.Duration
	SessionMaxIdle time.Duration

	// Page timeouts
	PageLoadTimeout time.Duration

	// Admin server
	AdminHost      string
	AdminPort      int
	MetricsEnabled bool

	// Source profiles
	SourcesPath      string // Path to external sources.yaml override file
	SourcesHotReload bool   // Enable file watching for hot-reload of profiles

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Browser
		Headless:     getEnvBool("HEADLESS", true),
		BrowserPath:  getEnvString("BROWSER_PATH", ""),
		UserAgent:    getEnvString("USER_AGENT", version.UserAgent),
		WindowWidth:  getEnvInt("WINDOW_WIDTH", 1920),
		WindowHeight: getEnvInt("WINDOW_HEIGHT", 1080),

		// Pool
		PoolSize:             getEnvInt("POOL_SIZE", 4),
		AcquireTimeout:       getEnvDuration("ACQUIRE_TIMEOUT", 30*time.Second),
		SourceAcquireTimeout: getEnvDuration("SOURCE_ACQUIRE_TIMEOUT", 5*time.Second),
		SourcePoolSize:       getEnvInt("SOURCE_POOL_SIZE", 2),

		// Expiry
		SessionMaxAge:  getEnvDuration("SESSION_MAX_AGE", 5*time.Minute),
		SessionMaxIdle: getEnvDuration("SESSION_MAX_IDLE", 60*time.Second),

		// Page
		PageLoadTimeout: getEnvDuration("PAGE_LOAD_TIMEOUT", 15*time.Second),

		// Admin server - default to localhost for security
		AdminHost:      getEnvString("ADMIN_HOST", "127.0.0.1"),
		AdminPort:      getEnvInt("ADMIN_PORT", 8420),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),

		// Sources
		SourcesPath:      getEnvString("SOURCES_PATH", ""),
		SourcesHotReload: getEnvBool("SOURCES_HOT_RELOAD", false),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Pool size validation with upper bound
	if c.PoolSize < 1 {
		log.Warn().Int("size", c.PoolSize).Msg("Invalid pool size, using default 4")
		c.PoolSize = 4
	} else if c.PoolSize > maxPoolSize {
		log.Warn().
			Int("size", c.PoolSize).
			Int("max", maxPoolSize).
			Msg("Pool size too large, capping to maximum")
		c.PoolSize = maxPoolSize
	}

	if c.SourcePoolSize < 1 {
		log.Warn().Int("size", c.SourcePoolSize).Msg("Invalid source pool size, using default 2")
		c.SourcePoolSize = 2
	} else if c.SourcePoolSize > maxSourcePoolSize {
		log.Warn().
			Int("size", c.SourcePoolSize).
			Int("max", maxSourcePoolSize).
			Msg("Source pool size too large, capping to maximum")
		c.SourcePoolSize = maxSourcePoolSize
	}

	// Acquire timeout validation (minimum 1 second)
	if c.AcquireTimeout < time.Second {
		log.Warn().Dur("timeout", c.AcquireTimeout).Msg("Acquire timeout too short, using 30s")
		c.AcquireTimeout = 30 * time.Second
	} else if c.AcquireTimeout > maxAcquireTimeout {
		log.Warn().
			Dur("timeout", c.AcquireTimeout).
			Dur("max", maxAcquireTimeout).
			Msg("Acquire timeout too long, capping to maximum")
		c.AcquireTimeout = maxAcquireTimeout
	}

	// Source pool acquires are a bounded first try before falling back to
	// the general pool, so they must never exceed the general timeout.
	if c.SourceAcquireTimeout < 100*time.Millisecond {
		log.Warn().Dur("timeout", c.SourceAcquireTimeout).Msg("Source acquire timeout too short, using 5s")
		c.SourceAcquireTimeout = 5 * time.Second
	}
	if c.SourceAcquireTimeout > c.AcquireTimeout {
		log.Warn().
			Dur("source", c.SourceAcquireTimeout).
			Dur("general", c.AcquireTimeout).
			Msg("Source acquire timeout exceeds general timeout, adjusting")
		c.SourceAcquireTimeout = c.AcquireTimeout
	}

	// Expiry validation. Idle bound longer than the age bound would never
	// trigger, which is legal but almost certainly a misconfiguration.
	if c.SessionMaxAge < 30*time.Second {
		log.Warn().Dur("age", c.SessionMaxAge).Msg("Session max age too short, using 5m")
		c.SessionMaxAge = 5 * time.Minute
	} else if c.SessionMaxAge > maxSessionAge {
		log.Warn().
			Dur("age", c.SessionMaxAge).
			Dur("max", maxSessionAge).
			Msg("Session max age too long, capping to maximum")
		c.SessionMaxAge = maxSessionAge
	}
	if c.SessionMaxIdle < 5*time.Second {
		log.Warn().Dur("idle", c.SessionMaxIdle).Msg("Session max idle too short, using 60s")
		c.SessionMaxIdle = 60 * time.Second
	} else if c.SessionMaxIdle > maxSessionIdle {
		log.Warn().
			Dur("idle", c.SessionMaxIdle).
			Dur("max", maxSessionIdle).
			Msg("Session max idle too long, capping to maximum")
		c.SessionMaxIdle = maxSessionIdle
	}
	if c.SessionMaxIdle > c.SessionMaxAge {
		log.Warn().
			Dur("idle", c.SessionMaxIdle).
			Dur("age", c.SessionMaxAge).
			Msg("SESSION_MAX_IDLE exceeds SESSION_MAX_AGE, the idle bound will never trigger")
	}

	// Page load timeout validation
	if c.PageLoadTimeout < time.Second {
		log.Warn().Dur("timeout", c.PageLoadTimeout).Msg("Page load timeout too short, using 15s")
		c.PageLoadTimeout = 15 * time.Second
	} else if c.PageLoadTimeout > maxPageLoad {
		log.Warn().
			Dur("timeout", c.PageLoadTimeout).
			Dur("max", maxPageLoad).
			Msg("Page load timeout too long, capping to maximum")
		c.PageLoadTimeout = maxPageLoad
	}

	// Window size validation
	if c.WindowWidth < 320 || c.WindowWidth > 7680 {
		log.Warn().Int("width", c.WindowWidth).Msg("Invalid window width, using 1920")
		c.WindowWidth = 1920
	}
	if c.WindowHeight < 240 || c.WindowHeight > 4320 {
		log.Warn().Int("height", c.WindowHeight).Msg("Invalid window height, using 1080")
		c.WindowHeight = 1080
	}

	// Admin port validation - allow 0 for system-assigned ports
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		log.Warn().Int("port", c.AdminPort).Msg("Invalid admin port, using default 8420")
		c.AdminPort = 8420
	}

	// BrowserPath validation - prevent path traversal
	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BrowserPath should be an absolute path")
		}
	}

	// Sources path validation
	if c.SourcesPath != "" {
		if strings.Contains(c.SourcesPath, "..") {
			log.Error().
				Str("path", c.SourcesPath).
				Msg("SourcesPath contains path traversal sequence (..), ignoring")
			c.SourcesPath = ""
		} else if c.SourcesHotReload {
			if _, err := os.Stat(c.SourcesPath); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.SourcesPath).
					Msg("SourcesPath does not exist - hot-reload will watch for file creation")
			}
		}
	}
	if c.SourcesHotReload && c.SourcesPath == "" {
		log.Warn().Msg("SOURCES_HOT_RELOAD enabled but SOURCES_PATH not set - hot-reload disabled")
		c.SourcesHotReload = false
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
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
