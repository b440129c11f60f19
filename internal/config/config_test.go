package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearFallbacks keeps the host environment out of the test.
func clearFallbacks(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DATABASE_URL", "PORT", "JWT_SECRET"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearFallbacks(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Storage.Driver != "memory" || cfg.Providers.Default != "sandbox" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.RateLimits.Admin.Limit != 5 || cfg.RateLimits.Admin.Window != time.Minute {
		t.Errorf("admin rule = %+v", cfg.RateLimits.Admin)
	}
	if cfg.RateLimits.Refund.Limit != 10 || cfg.RateLimits.Webhook.Limit != 120 || cfg.RateLimits.Auth.Limit != 120 {
		t.Errorf("rules = %+v", cfg.RateLimits)
	}
	if cfg.Webhook.MaxBodyBytes != 1<<20 || cfg.Reconcile.MaxAttempts != 8 || cfg.Providers.Timeout != 10*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	// No secret configured.
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("Validate = %v", err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearFallbacks(t)
	path := writeFile(t, `
storage:
  driver: postgres
  database_url: postgres://file/escrow
auth:
  jwt_secret: file-secret-0123456789
rate_limits:
  refund:
    limit: 3
    window: 30s
providers:
  bkash:
    enabled: true
    base_url: https://bkash.test
`)
	t.Setenv("ESCROW_STORAGE_DATABASE_URL", "postgres://env/escrow")
	t.Setenv("ESCROW_PROVIDERS_BKASH_APP_KEY", "app-key")
	t.Setenv("ESCROW_RECONCILE_PENDING_TIMEOUT", "2h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DatabaseURL != "postgres://env/escrow" {
		t.Errorf("database_url = %q, env should win", cfg.Storage.DatabaseURL)
	}
	if cfg.RateLimits.Refund.Limit != 3 || cfg.RateLimits.Refund.Window != 30*time.Second {
		t.Errorf("refund rule = %+v", cfg.RateLimits.Refund)
	}
	if !cfg.Providers.Bkash.Enabled || cfg.Providers.Bkash.AppKey != "app-key" {
		t.Errorf("bkash = %+v", cfg.Providers.Bkash)
	}
	if cfg.Reconcile.PendingTimeout != 2*time.Hour {
		t.Errorf("pending_timeout = %s", cfg.Reconcile.PendingTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}
}

func TestLoad_PlatformFallbacks(t *testing.T) {
	clearFallbacks(t)
	t.Setenv("DATABASE_URL", "postgres://platform/escrow")
	t.Setenv("PORT", "9090")
	t.Setenv("JWT_SECRET", "platform-secret-0123456789")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DatabaseURL != "postgres://platform/escrow" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Server.Addr != ":9090" || cfg.Auth.JWTSecret != "platform-secret-0123456789" {
		t.Errorf("server = %+v auth = %+v", cfg.Server, cfg.Auth)
	}

	// An explicit driver is not overridden by DATABASE_URL.
	t.Setenv("ESCROW_STORAGE_DRIVER", "memory")
	cfg, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	clearFallbacks(t)
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		cfg.Auth.JWTSecret = "valid-secret-0123456789"
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.driver"},
		{"postgres without url", func(c *Config) { c.Storage.Driver = "postgres" }, "database_url"},
		{"zero rule", func(c *Config) { c.RateLimits.Admin.Limit = 0 }, "rate_limits.admin"},
		{"zero auth rule", func(c *Config) { c.RateLimits.Auth.Window = 0 }, "rate_limits.auth"},
		{"default disabled", func(c *Config) { c.Providers.Default = "nagad" }, "providers.default"},
		{"enabled without url", func(c *Config) { c.Providers.Nagad.Enabled = true }, "providers.nagad.base_url"},
		{"no attempts", func(c *Config) { c.Reconcile.MaxAttempts = 0 }, "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "bogus": "INFO", "": "INFO"} {
		c := &Config{LogLevel: in}
		if got := c.Level().String(); got != want {
			t.Errorf("Level(%q) = %s, want %s", in, got, want)
		}
	}
}
