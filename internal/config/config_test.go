package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Set only required env var
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify defaults
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Import.BatchSize != 1000 {
		t.Errorf("Import.BatchSize = %d, want %d", cfg.Import.BatchSize, 1000)
	}
	if cfg.Import.MaxArchiveSize != 209715200 {
		t.Errorf("Import.MaxArchiveSize = %d, want %d", cfg.Import.MaxArchiveSize, 209715200)
	}
	if cfg.Import.StrictStaging {
		t.Error("Import.StrictStaging should default to false")
	}
	if got := cfg.Import.TypePrecedence(); len(got) != 3 || got[0] != "002" {
		t.Errorf("Import.TypePrecedence() = %v, want [002 001 003]", got)
	}
	if got := cfg.Import.LanguagePrecedence(); len(got) != 3 || got[0] != "2" {
		t.Errorf("Import.LanguagePrecedence() = %v, want [2 1 0]", got)
	}
}

func TestLoad_OverrideDefaults(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("SERVER_PORT", "9090")
	os.Setenv("IMPORT_BATCH_SIZE", "250")
	os.Setenv("IMPORT_STRICT_STAGING", "true")
	os.Setenv("NAME_TYPE_PRECEDENCE", "001, 002")
	os.Setenv("LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("SERVER_PORT")
		os.Unsetenv("IMPORT_BATCH_SIZE")
		os.Unsetenv("IMPORT_STRICT_STAGING")
		os.Unsetenv("NAME_TYPE_PRECEDENCE")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
	}
	if cfg.Import.BatchSize != 250 {
		t.Errorf("Import.BatchSize = %d, want %d", cfg.Import.BatchSize, 250)
	}
	if !cfg.Import.StrictStaging {
		t.Error("Import.StrictStaging = false, want true")
	}
	if got := cfg.Import.TypePrecedence(); len(got) != 2 || got[0] != "001" || got[1] != "002" {
		t.Errorf("Import.TypePrecedence() = %v, want [001 002]", got)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("DB_URL")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail without DATABASE_URL")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error = %v, want mention of DATABASE_URL", err)
	}
}

func TestLoad_AltDatabaseURL(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	os.Setenv("DB_URL", "postgres://localhost/alt")
	defer os.Unsetenv("DB_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.URL != "postgres://localhost/alt" {
		t.Errorf("Database.URL = %q, want the DB_URL value", cfg.Database.URL)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "SERVER_PORT", "70000"},
		{"zero batch size", "IMPORT_BATCH_SIZE", "0"},
		{"bad duration", "SERVER_READ_TIMEOUT", "soon"},
		{"unknown log level", "LOG_LEVEL", "verbose"},
		{"empty type precedence", "NAME_TYPE_PRECEDENCE", ","},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("DATABASE_URL", "postgres://localhost/test")
			os.Setenv(tt.key, tt.value)
			defer func() {
				os.Unsetenv("DATABASE_URL")
				os.Unsetenv(tt.key)
			}()

			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s should fail", tt.key, tt.value)
			}
		})
	}
}

func TestServerAddr(t *testing.T) {
	c := ServerConfig{Host: "10.0.0.1", Port: 9000}
	if got := c.Addr(); got != "10.0.0.1:9000" {
		t.Errorf("Addr() = %q", got)
	}

	c.Host = ""
	if got := c.Addr(); got != ":9000" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestDurationDefaults(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.MaxConnLifetime != time.Hour {
		t.Errorf("MaxConnLifetime = %v, want 1h", cfg.Database.MaxConnLifetime)
	}
}
