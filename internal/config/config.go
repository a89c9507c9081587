// Package config defines the configuration of the premium gating service.
//
// Configuration is split in two:
//
//   - Config: process-level settings loaded once at startup from the
//     environment (12-Factor). Any missing required value fails startup.
//   - RuntimeSettings: operator-tunable settings (Stripe credentials, the
//     gated product, the stand-in video) published as immutable versioned
//     snapshots and reloadable while the process runs.
package config

import (
	"time"

	"premiumgate/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the process-level configuration. It is populated once during
// startup and never modified. Sub-components receive only the subsets they
// require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"premiumgate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Instance InstanceConfig
	Redis    RedisConfig

	// Build is populated from linker-injected metadata, not the environment.
	Build BuildInfo `ignored:"true"`

	// Settings is the path of the runtime settings file watched for
	// changes. Empty means runtime settings come from the process
	// environment and are fixed for the process lifetime.
	SettingsFile string `envconfig:"SETTINGS_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`

	// CORSAllowedOrigins lists origins allowed to call the API from a
	// browser. The host instance's own origin is the usual single entry.
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds connection settings for the host platform's
// PostgreSQL database, where this service owns its two tables.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// InstanceConfig identifies the host platform instance this deployment
// serves.
type InstanceConfig struct {
	// BaseURL is the host instance's public URL, used to build checkout
	// success/cancel redirects (no trailing slash).
	BaseURL string `envconfig:"INSTANCE_BASE_URL" validate:"required,url"`

	// Key namespaces the Stripe customer metadata field so one Stripe
	// account can serve several instances without id collisions.
	Key string `envconfig:"INSTANCE_KEY" validate:"required"`

	// HookSharedSecret authenticates hook calls from the host platform.
	HookSharedSecret SecretString `envconfig:"HOOK_SHARED_SECRET" validate:"required"`
}

// RedisConfig holds the optional webhook replay cache connection. An empty
// address disables the cache; reconciliation is idempotent without it.
type RedisConfig struct {
	Addr     string        `envconfig:"REDIS_ADDR"`
	Password SecretString  `envconfig:"REDIS_PASSWORD"`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	EventTTL time.Duration `envconfig:"REDIS_EVENT_TTL" default:"24h"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrSettings indicates the runtime settings file could not be read or
	// parsed.
	ErrSettings ConfigErrorType = "SETTINGS_FAILED"
)
