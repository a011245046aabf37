// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kiroku/internal/export"
)

// Config holds all collector configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Store settings. Backend selects which store receives sealed traces:
	// "memory", "sqlite", or "postgres".
	StoreBackend   string
	SQLitePath     string
	DatabaseURL    string // Postgres DSN, required when backend is "postgres".
	MemoryCapacity int

	// Trace lifecycle settings.
	PendingTimeout time.Duration // idle bound before an open trace is force-sealed
	SweepInterval  time.Duration
	PreviewBytes   int

	// Export settings.
	QueueCapacity     int
	QueuePolicy       export.Policy
	QueueBlockTimeout time.Duration
	WALDir            string // empty disables the export WAL

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Rate limiting (per client IP).
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("KIROKU_PORT", 8080),
		ReadTimeout:         envDuration("KIROKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("KIROKU_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(envInt("KIROKU_MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
		StoreBackend:        envStr("KIROKU_STORE", "sqlite"),
		SQLitePath:          envStr("KIROKU_SQLITE_PATH", "kiroku.db"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		MemoryCapacity:      envInt("KIROKU_MEMORY_CAPACITY", 10_000),
		PendingTimeout:      envDuration("KIROKU_PENDING_TIMEOUT", 5*time.Minute),
		SweepInterval:       envDuration("KIROKU_SWEEP_INTERVAL", 30*time.Second),
		PreviewBytes:        envInt("KIROKU_PREVIEW_BYTES", 1024),
		QueueCapacity:       envInt("KIROKU_QUEUE_CAPACITY", 1024),
		QueuePolicy:         export.Policy(envStr("KIROKU_QUEUE_POLICY", string(export.PolicyDropOldest))),
		QueueBlockTimeout:   envDuration("KIROKU_QUEUE_BLOCK_TIMEOUT", 250*time.Millisecond),
		WALDir:              envStr("KIROKU_WAL_DIR", ""),
		RateLimitEnabled:    envBool("KIROKU_RATE_LIMIT_ENABLED", false),
		RateLimitRPS:        float64(envInt("KIROKU_RATE_LIMIT_RPS", 100)),
		RateLimitBurst:      envInt("KIROKU_RATE_LIMIT_BURST", 200),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kiroku"),
		LogLevel:            envStr("KIROKU_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	switch strings.ToLower(c.StoreBackend) {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when KIROKU_STORE is postgres")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q (must be memory, sqlite, or postgres)", c.StoreBackend)
	}
	switch c.QueuePolicy {
	case export.PolicyDropOldest, export.PolicyDropNewest, export.PolicyBlock:
	default:
		return fmt.Errorf("config: unknown queue policy %q", c.QueuePolicy)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KIROKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.PendingTimeout <= 0 {
		return fmt.Errorf("config: KIROKU_PENDING_TIMEOUT must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: rate limit rps and burst must be positive when enabled")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
