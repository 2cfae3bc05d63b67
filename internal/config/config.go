package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DBPath           string `envconfig:"DB_PATH" default:"exchange.db"`
	EncryptionSecret string `envconfig:"ENCRYPTION_SECRET" required:"true"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"INFO"`

	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3"`
	TransferTTL     time.Duration `envconfig:"TRANSFER_TTL" default:"24h"`
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"30s"`
	ClaimLease      time.Duration `envconfig:"CLAIM_LEASE" default:"2m"`

	Scheduler struct {
		Interval      time.Duration `split_words:"true" default:"30s"`
		ErrorInterval time.Duration `split_words:"true" default:"60s"`
		MaxParallel   int           `split_words:"true" default:"4"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"exchange_gateway"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.EncryptionSecret == "" {
		return fmt.Errorf("ENCRYPTION_SECRET must not be empty")
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}

	// A delivery must not outlive its claim.
	if c.ClaimLease <= c.DeliveryTimeout {
		return fmt.Errorf("CLAIM_LEASE (%s) must be longer than DELIVERY_TIMEOUT (%s)", c.ClaimLease, c.DeliveryTimeout)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
