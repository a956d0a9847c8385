// Package config loads the service configuration from the environment.
//
// Values come from the process environment, optionally seeded from a .env file
// in the working directory (existing variables win), and are validated before use.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ErrorType categorizes configuration failures.
type ErrorType string

const (
	ErrParsing    ErrorType = "PARSING_FAILED"
	ErrValidation ErrorType = "VALIDATION_FAILED"
	ErrTimeZone   ErrorType = "INVALID_TIMEZONE"
)

// ConfigError is returned by Load for any configuration problem.
type ConfigError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type Config struct {
	Port     string `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	BaseURL  string `envconfig:"BASE_URL" default:"http://localhost:8080" validate:"required,url"`
	SiteName string `envconfig:"SITE_NAME" default:"Forum"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// DatabaseURL selects the PostgreSQL host store; empty runs on the in-memory store.
	DatabaseURL string `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	StorageBucket string `envconfig:"STORAGE_BUCKET"`
	LocalStorage  string `envconfig:"LOCAL_STORAGE"`

	EmailProvider         string `envconfig:"EMAIL_PROVIDER" default:"mock" validate:"oneof=mock gmail brevo ses"`
	FromAddress           string `envconfig:"EMAIL_FROM_ADDRESS" validate:"required_unless=EmailProvider mock"`
	FromName              string `envconfig:"EMAIL_FROM_NAME"`
	BrevoAPIKey           string `envconfig:"BREVO_API_KEY" validate:"required_if=EmailProvider brevo"`
	GoogleCredentialsJSON string `envconfig:"GOOGLE_CREDENTIALS_JSON"` // optional on GCP
	AWSRegion             string `envconfig:"AWS_REGION" validate:"required_if=EmailProvider ses"`

	DigestTimeZone  string        `envconfig:"DIGEST_TIMEZONE" default:"UTC"`
	DigestHour      int           `envconfig:"DIGEST_HOUR" default:"17" validate:"min=0,max=23"`
	DigestRetention time.Duration `envconfig:"DIGEST_RETENTION" default:"168h" validate:"gt=0"`

	MaxEditingTime time.Duration `envconfig:"MAX_EDITING_TIME" default:"30m" validate:"gte=0"`
	LookbackWindow time.Duration `envconfig:"LOOKBACK_WINDOW" default:"48h" validate:"gt=0"`
	UserCacheSize  int           `envconfig:"USER_CACHE_SIZE" default:"5000" validate:"gt=0"`
	SendTimeout    time.Duration `envconfig:"SEND_TIMEOUT" default:"30s" validate:"gt=0"`
	PhaseBudget    time.Duration `envconfig:"PHASE_BUDGET" default:"10m" validate:"gt=0"`
	Workers        int           `envconfig:"WORKERS" default:"8" validate:"min=1,max=256"`
	AutoMarkRead   bool          `envconfig:"AUTO_MARK_READ" default:"false"`

	// CronInterval starts an in-process ticker when non-zero.
	CronInterval time.Duration `envconfig:"CRON_INTERVAL" default:"0" validate:"gte=0"`

	location *time.Location
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	loc, err := time.LoadLocation(cfg.DigestTimeZone)
	if err != nil {
		return nil, &ConfigError{Type: ErrTimeZone, Message: "unknown DIGEST_TIMEZONE " + cfg.DigestTimeZone, Err: err}
	}
	cfg.location = loc

	if cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}
	return &cfg, nil
}

// Location is the time zone of the daily digest gate.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// SlogLevel maps LogLevel to a slog level; unknown values fall back to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
