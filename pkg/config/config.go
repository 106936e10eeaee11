// Package config reads server configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// LiteStorePath is where the SQLite database lives when STORE_URL is unset.
const LiteStorePath = "data/mandates.db"

// Config holds server configuration.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// StoreURL selects the persistence backend. Empty means lite mode.
	StoreURL   string `env:"STORE_URL"`
	AWSRegion  string `env:"AWS_REGION"`
	S3Endpoint string `env:"S3_ENDPOINT"`
	// RedisAddr enables distributed per-mandate locks.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	SigningAlgorithm string `env:"SIGNING_ALGORITHM" envDefault:"ed25519"`
	SigningSeedFile  string `env:"SIGNING_SEED_FILE" envDefault:"data/signing.seed"`
	AuthKeyFile      string `env:"AUTH_KEY_FILE" envDefault:"data/auth.seed"`
	PolicyFile       string `env:"POLICY_FILE"`

	MandateTTL    time.Duration `env:"MANDATE_TTL" envDefault:"24h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	// IdempotencyTTL is how long Idempotency-Key responses are replayed.
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	RateLimitRPS   int      `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`

	// Production refuses to generate missing key material.
	Production bool `env:"PRODUCTION" envDefault:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would only fail later at startup.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.SigningAlgorithm) {
	case "", "ed25519", "hmac-sha256":
	default:
		return fmt.Errorf("config: unsupported SIGNING_ALGORITHM %q", c.SigningAlgorithm)
	}
	if c.MandateTTL <= 0 {
		return fmt.Errorf("config: MANDATE_TTL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("config: IDEMPOTENCY_TTL must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: rate limits must be positive")
	}
	return nil
}

// Lite reports whether the server runs on the local SQLite file.
func (c *Config) Lite() bool {
	return c.StoreURL == ""
}

// EffectiveStoreURL returns StoreURL, or the lite-mode SQLite path.
func (c *Config) EffectiveStoreURL() string {
	if c.Lite() {
		return "sqlite://" + LiteStorePath
	}
	return c.StoreURL
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q", s)
	}
	return l, nil
}
