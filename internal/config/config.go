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

	// Storage. DatabaseURL wins over SQLitePath; with neither set, records live in memory.
	DatabaseURL string
	SQLitePath  string

	// RedisURL enables cross-instance claims and event publication.
	RedisURL      string
	EventsChannel string
	// ClaimTTL bounds how long a crashed holder keeps an escrow claimed.
	// Zero means MinClaimTTL.
	ClaimTTL time.Duration

	// Identity
	JWTSecret       string
	ServiceIdentity string // ledger owner of escrow subaccounts

	// Ledger gateway (ICRC-1/2). Empty means in-memory ledger (development only).
	LedgerURL     string
	LedgerTimeout time.Duration

	// Threshold key service. Empty means deterministic local derivation.
	KeyServiceURL string
	ECDSAKeyName  string

	// Scheduler
	SchedulerWorkers int
	SweepInterval    time.Duration

	// HTTP hardening
	CORSOrigins        []string
	RateLimitPerMinute int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultServiceIdentity  = "escrowd-dev"
	DefaultECDSAKeyName     = "test_key_1"
	DefaultEventsChannel    = "escrow.events"
	DefaultLedgerTimeout    = 10 * time.Second
	DefaultSchedulerWorkers = 4
	DefaultSweepInterval    = 30 * time.Second
	DefaultRateLimit        = 120

	// ClaimHeadroom is added on top of the slowest claimed operation
	// when sizing the claim TTL.
	ClaimHeadroom = 30 * time.Second
	// claimedLedgerCalls is the most ledger-bound attempts a single claim
	// covers: a key derivation retried up to three times.
	claimedLedgerCalls = 3
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         os.Getenv("SQLITE_PATH"),
		RedisURL:           os.Getenv("REDIS_URL"),
		EventsChannel:      getEnv("EVENTS_CHANNEL", DefaultEventsChannel),
		ClaimTTL:           getEnvDuration("CLAIM_TTL", 0),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		ServiceIdentity:    getEnv("SERVICE_IDENTITY", DefaultServiceIdentity),
		LedgerURL:          os.Getenv("LEDGER_URL"),
		LedgerTimeout:      getEnvDuration("LEDGER_TIMEOUT", DefaultLedgerTimeout),
		KeyServiceURL:      os.Getenv("KEY_SERVICE_URL"),
		ECDSAKeyName:       getEnv("ECDSA_KEY_NAME", DefaultECDSAKeyName),
		SchedulerWorkers:   int(getEnvInt64("SCHEDULER_WORKERS", DefaultSchedulerWorkers)),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		CORSOrigins:        splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitPerMinute: int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = cfg.MinClaimTTL()
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ServiceIdentity == "" {
		return fmt.Errorf("SERVICE_IDENTITY is required")
	}
	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.SchedulerWorkers <= 0 {
		return fmt.Errorf("SCHEDULER_WORKERS must be positive")
	}
	if c.ClaimTTL < 0 {
		return fmt.Errorf("CLAIM_TTL must not be negative")
	}
	if c.ClaimTTL > 0 && c.ClaimTTL < c.MinClaimTTL() {
		return fmt.Errorf("CLAIM_TTL must be at least %s (3 x LEDGER_TIMEOUT + %s)", c.MinClaimTTL(), ClaimHeadroom)
	}

	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters")
		}
		if c.LedgerURL == "" {
			return fmt.Errorf("LEDGER_URL is required in production")
		}
		if c.KeyServiceURL == "" {
			return fmt.Errorf("KEY_SERVICE_URL is required in production")
		}
		if c.DatabaseURL == "" && c.SQLitePath == "" {
			return fmt.Errorf("DATABASE_URL or SQLITE_PATH is required in production")
		}
	}

	return nil
}

// MinClaimTTL is the shortest claim lifetime that outlasts every ledger-bound
// step taken while an escrow is claimed.
func (c *Config) MinClaimTTL() time.Duration {
	return claimedLedgerCalls*c.LedgerTimeout + ClaimHeadroom
}

// EffectiveClaimTTL returns ClaimTTL, or MinClaimTTL when unset.
func (c *Config) EffectiveClaimTTL() time.Duration {
	if c.ClaimTTL > 0 {
		return c.ClaimTTL
	}
	return c.MinClaimTTL()
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
