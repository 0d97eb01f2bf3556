// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/procurepay/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded migrations on startup

	// Escrow
	HoldingPeriod    time.Duration // release date = funds_held time + period
	ReleaseInterval  time.Duration
	ReleaseBatchSize int
	ReleaseWorkers   int

	// Security
	InternalAPIToken     string // Presented by the upstream gateway on every request
	GatewayCaptureSecret string // Guards POST /v1/gateway/captures
	StripeWebhookSecret  string // Enables POST /v1/gateway/stripe
	StripeCurrency       string // ISO currency the Stripe binding accepts, two-decimal only
	CORSAllowedOrigins   []string
	RateLimitPerMinute   int // per actor, on state-changing routes
	RateLimitBurst       int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultHoldingPeriod    = 7 * 24 * time.Hour
	DefaultReleaseInterval  = time.Minute
	DefaultReleaseBatchSize = 100
	DefaultReleaseWorkers   = 4
	DefaultStripeCurrency   = "usd"
	DefaultRateLimit        = 120
	DefaultRateLimitBurst   = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		InternalAPIToken:     os.Getenv("INTERNAL_API_TOKEN"),
		GatewayCaptureSecret: os.Getenv("GATEWAY_CAPTURE_SECRET"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeCurrency:       strings.ToLower(getEnv("STRIPE_CURRENCY", DefaultStripeCurrency)),
		CORSAllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS"),
		AutoMigrate:          getEnv("AUTO_MIGRATE", "true") == "true",
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.HoldingPeriod, err = getEnvDuration("ESCROW_HOLDING_PERIOD", DefaultHoldingPeriod); err != nil {
		return nil, err
	}
	if cfg.ReleaseInterval, err = getEnvDuration("RELEASE_INTERVAL", DefaultReleaseInterval); err != nil {
		return nil, err
	}
	if cfg.ReleaseBatchSize, err = getEnvInt("RELEASE_BATCH_SIZE", DefaultReleaseBatchSize); err != nil {
		return nil, err
	}
	if cfg.ReleaseWorkers, err = getEnvInt("RELEASE_WORKERS", DefaultReleaseWorkers); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = getEnvInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimit); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.HoldingPeriod <= 0 {
		return fmt.Errorf("ESCROW_HOLDING_PERIOD must be positive")
	}
	if c.ReleaseInterval <= 0 {
		return fmt.Errorf("RELEASE_INTERVAL must be positive")
	}
	if c.ReleaseBatchSize <= 0 {
		return fmt.Errorf("RELEASE_BATCH_SIZE must be positive")
	}
	if c.ReleaseWorkers <= 0 {
		return fmt.Errorf("RELEASE_WORKERS must be positive")
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be positive")
	}
	if c.StripeCurrency != "" && !money.SupportsCurrency(c.StripeCurrency) {
		return fmt.Errorf("STRIPE_CURRENCY %q does not use two-decimal minor units", c.StripeCurrency)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.IsProduction() && c.InternalAPIToken == "" {
		return fmt.Errorf("INTERNAL_API_TOKEN is required in production")
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
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
