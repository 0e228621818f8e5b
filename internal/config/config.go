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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Event delivery
	RedisURL     string // Optional; no stream publishing when empty
	EventStream  string
	OTLPEndpoint string // Optional; tracing disabled when empty

	// Escrow lifecycle
	TransactionTTL    time.Duration
	ExpiryInterval    time.Duration
	ReconcileInterval time.Duration

	// Reputation weights
	ReputationCompletedWeight int64
	ReputationLossWeight      int64
	ReputationMaxScore        int64

	// Security
	SystemToken string // Bearer token for the payment watcher and jobs
	AdminToken  string // Bearer token for moderators
	CORSOrigins []string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultEventStream       = "escrow:events"
	DefaultTransactionTTL    = 14 * 24 * time.Hour
	DefaultExpiryInterval    = 30 * time.Second
	DefaultReconcileInterval = 5 * time.Minute

	DefaultCompletedWeight = 2
	DefaultLossWeight      = 10
	DefaultMaxScore        = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", DefaultPort),
		Env:                       getEnv("ENV", DefaultEnv),
		LogLevel:                  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                 getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		AutoMigrate:               getEnvBool("AUTO_MIGRATE", false),
		RedisURL:                  os.Getenv("REDIS_URL"),
		EventStream:               getEnv("EVENT_STREAM", DefaultEventStream),
		OTLPEndpoint:              os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TransactionTTL:            getEnvDuration("TRANSACTION_TTL", DefaultTransactionTTL),
		ExpiryInterval:            getEnvDuration("EXPIRY_INTERVAL", DefaultExpiryInterval),
		ReconcileInterval:         getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReputationCompletedWeight: getEnvInt64("REPUTATION_COMPLETED_WEIGHT", DefaultCompletedWeight),
		ReputationLossWeight:      getEnvInt64("REPUTATION_LOSS_WEIGHT", DefaultLossWeight),
		ReputationMaxScore:        getEnvInt64("REPUTATION_MAX_SCORE", DefaultMaxScore),
		SystemToken:               os.Getenv("SYSTEM_TOKEN"),
		AdminToken:                os.Getenv("ADMIN_TOKEN"),
		CORSOrigins:               getEnvList("CORS_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.TransactionTTL <= 0 {
		return fmt.Errorf("TRANSACTION_TTL must be positive")
	}
	if c.ExpiryInterval <= 0 {
		return fmt.Errorf("EXPIRY_INTERVAL must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.ReputationCompletedWeight < 0 || c.ReputationLossWeight < 0 || c.ReputationMaxScore <= 0 {
		return fmt.Errorf("reputation weights must be non-negative with a positive max score")
	}
	if c.SystemToken != "" && c.SystemToken == c.AdminToken {
		return fmt.Errorf("SYSTEM_TOKEN and ADMIN_TOKEN must differ")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.SystemToken == "" || c.AdminToken == "" {
			return fmt.Errorf("SYSTEM_TOKEN and ADMIN_TOKEN are required in production")
		}
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
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
