// Package config provides centralized configuration for the import engine.
// It loads settings from environment variables with sensible defaults and
// validates everything on startup to fail fast on misconfiguration.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 5m,
	// prepare uploads a whole extract archive in one request)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"5m"`

	// WriteTimeout is the maximum duration for writing a response (default: 2m)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"2m"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 5m)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"5m"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ImportConfig holds extract import settings.
type ImportConfig struct {
	// BatchSize is the number of staged rows applied per batch (default: 1000)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"1000"`

	// MaxArchiveSize is the maximum accepted archive size in bytes (default: 200MB)
	MaxArchiveSize int64 `env:"IMPORT_MAX_ARCHIVE_SIZE" default:"209715200"`

	// StrictStaging makes a parse failure in one table's file abort the
	// whole prepare instead of staging the remaining tables (default: false)
	StrictStaging bool `env:"IMPORT_STRICT_STAGING" default:"false"`

	// ClaimTimeout is how long a claimed batch may sit unprocessed before
	// it is treated as abandoned and becomes claimable again (default: 10m)
	ClaimTimeout time.Duration `env:"IMPORT_CLAIM_TIMEOUT" default:"10m"`

	// NameTypePrecedence orders denomination types when resolving the
	// canonical display name (default: commercial name, legal name,
	// abbreviation)
	NameTypePrecedence string `env:"NAME_TYPE_PRECEDENCE" default:"002,001,003"`

	// NameLanguagePrecedence orders denomination languages when resolving
	// the canonical display name (default: NL, FR, unknown)
	NameLanguagePrecedence string `env:"NAME_LANGUAGE_PRECEDENCE" default:"2,1,0"`
}

// TypePrecedence returns the denomination type order as a slice.
func (c *ImportConfig) TypePrecedence() []string {
	return splitList(c.NameTypePrecedence)
}

// LanguagePrecedence returns the denomination language order as a slice.
func (c *ImportConfig) LanguagePrecedence() []string {
	return splitList(c.NameLanguagePrecedence)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + strconv.Itoa(c.Port)
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be between 1 and 65535", c.Server.Port))
	}

	if c.Import.BatchSize <= 0 {
		errs = append(errs, "IMPORT_BATCH_SIZE must be positive")
	}
	if c.Import.ClaimTimeout <= 0 {
		errs = append(errs, "IMPORT_CLAIM_TIMEOUT must be positive")
	}
	if c.Import.MaxArchiveSize <= 0 {
		errs = append(errs, "IMPORT_MAX_ARCHIVE_SIZE must be positive")
	}
	if len(c.Import.TypePrecedence()) == 0 {
		errs = append(errs, "NAME_TYPE_PRECEDENCE must list at least one denomination type")
	}
	if len(c.Import.LanguagePrecedence()) == 0 {
		errs = append(errs, "NAME_LANGUAGE_PRECEDENCE must list at least one language")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be debug, info, warn or error", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
