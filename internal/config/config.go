// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port               string
	Env                string // "development", "staging", "production"
	LogLevel           string
	LogFormat          string // "json" or "text"
	CORSAllowedOrigins []string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Identity
	AuthJWTSecret string

	// Risk policy
	BlockAbove     int
	FlagAtLeast    int
	VelocityWindow time.Duration

	// Per-user submission rate limit; zero disables it
	RateLimitPerMinute int
	RateLimitBurst     int

	// Blocked-transaction alerts (optional)
	AlertWebhookURL    string
	AlertWebhookSecret string

	// Tracing (optional, disabled when empty)
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultBlockAbove     = 70
	DefaultFlagAtLeast    = 30
	DefaultVelocityWindow = 60 * time.Second
	DefaultRateLimit      = 60
	DefaultRateLimitBurst = 10

	minJWTSecretLen = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	window, err := getEnvDuration("RISK_VELOCITY_WINDOW", DefaultVelocityWindow)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AuthJWTSecret:      os.Getenv("AUTH_JWT_SECRET"),
		BlockAbove:         int(getEnvInt64("RISK_BLOCK_ABOVE", DefaultBlockAbove)),
		FlagAtLeast:        int(getEnvInt64("RISK_FLAG_AT_LEAST", DefaultFlagAtLeast)),
		VelocityWindow:     window,
		RateLimitPerMinute: int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.AuthJWTSecret) < minJWTSecretLen {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least %d bytes in production", minJWTSecretLen)
	}
	if c.FlagAtLeast < 0 {
		return fmt.Errorf("RISK_FLAG_AT_LEAST must not be negative")
	}
	if c.BlockAbove < c.FlagAtLeast {
		return fmt.Errorf("RISK_BLOCK_ABOVE (%d) must be >= RISK_FLAG_AT_LEAST (%d)", c.BlockAbove, c.FlagAtLeast)
	}
	if c.VelocityWindow <= 0 {
		return fmt.Errorf("RISK_VELOCITY_WINDOW must be positive")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must not be negative")
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
