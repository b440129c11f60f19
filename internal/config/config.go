package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carenet/escrow/internal/ratelimit"
)

// EnvPrefix namespaces every environment override, e.g.
// ESCROW_STORAGE_DRIVER or ESCROW_PROVIDERS_BKASH_APP_KEY.
const EnvPrefix = "ESCROW"

type Config struct {
	LogLevel   string          `mapstructure:"log_level"`
	Server     ServerConfig    `mapstructure:"server"`
	Storage    StorageConfig   `mapstructure:"storage"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Auth       AuthConfig      `mapstructure:"auth"`
	RateLimits RateLimits      `mapstructure:"rate_limits"`
	Providers  ProvidersConfig `mapstructure:"providers"`
	Webhook    WebhookConfig   `mapstructure:"webhook"`
	Reconcile  ReconcileConfig `mapstructure:"reconcile"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver      string `mapstructure:"driver"`
	DatabaseURL string `mapstructure:"database_url"`
}

// RedisConfig is optional; without a URL rate limits are per process.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type RateLimits struct {
	Webhook  ratelimit.Rule `mapstructure:"webhook"`
	Refund   ratelimit.Rule `mapstructure:"refund"`
	Checkout ratelimit.Rule `mapstructure:"checkout"`
	Escrow   ratelimit.Rule `mapstructure:"escrow"`
	Admin    ratelimit.Rule `mapstructure:"admin"`
	// Auth bounds requests per client IP before the bearer token is checked.
	Auth ratelimit.Rule `mapstructure:"auth"`
}

type ProvidersConfig struct {
	Default string         `mapstructure:"default"`
	Timeout time.Duration  `mapstructure:"timeout"`
	Sandbox SandboxConfig  `mapstructure:"sandbox"`
	Bkash   ProviderConfig `mapstructure:"bkash"`
	Nagad   ProviderConfig `mapstructure:"nagad"`
}

type SandboxConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	CheckoutURL   string `mapstructure:"checkout_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// ProviderConfig holds merchant credentials for a live wallet provider.
type ProviderConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BaseURL       string `mapstructure:"base_url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	AppKey        string `mapstructure:"app_key"`
	AppSecret     string `mapstructure:"app_secret"`
	CallbackURL   string `mapstructure:"callback_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type WebhookConfig struct {
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// Tolerance bounds clock skew for timestamp-signed callbacks.
	Tolerance time.Duration `mapstructure:"tolerance"`
}

type ReconcileConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	FirstCheck     time.Duration `mapstructure:"first_check"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
}

var defaults = map[string]any{
	"log_level": "info",

	"server.addr":             ":8080",
	"server.trust_proxy":      false,
	"server.cors_origins":     []string{"http://localhost:3000"},
	"server.shutdown_timeout": 15 * time.Second,

	"storage.driver":       "memory",
	"storage.database_url": "",
	"redis.url":            "",

	"auth.jwt_secret": "",
	"auth.issuer":     "escrowd",
	"auth.token_ttl":  time.Hour,

	"rate_limits.webhook.limit":   120,
	"rate_limits.webhook.window":  time.Minute,
	"rate_limits.refund.limit":    10,
	"rate_limits.refund.window":   time.Minute,
	"rate_limits.checkout.limit":  20,
	"rate_limits.checkout.window": time.Minute,
	"rate_limits.escrow.limit":    10,
	"rate_limits.escrow.window":   time.Minute,
	"rate_limits.admin.limit":     5,
	"rate_limits.admin.window":    time.Minute,
	"rate_limits.auth.limit":      120,
	"rate_limits.auth.window":     time.Minute,

	"providers.default":                "sandbox",
	"providers.timeout":                10 * time.Second,
	"providers.sandbox.enabled":        true,
	"providers.sandbox.checkout_url":   "",
	"providers.sandbox.webhook_secret": "",

	"webhook.max_body_bytes": 1 << 20,
	"webhook.tolerance":      5 * time.Minute,

	"reconcile.max_attempts":    8,
	"reconcile.max_workers":     10,
	"reconcile.first_check":     30 * time.Second,
	"reconcile.poll_interval":   time.Minute,
	"reconcile.pending_timeout": 24 * time.Hour,
}

var providerKeys = []string{"enabled", "base_url", "username", "password", "app_key", "app_secret", "callback_url", "webhook_secret"}

// Load reads defaults, then the optional YAML file at path, then ESCROW_*
// environment variables. DATABASE_URL, PORT and JWT_SECRET are honoured when
// the namespaced keys are unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Every key needs a default for AutomaticEnv to reach it on Unmarshal.
	for _, p := range []string{"bkash", "nagad"} {
		for _, k := range providerKeys {
			if k == "enabled" {
				v.SetDefault("providers."+p+"."+k, false)
				continue
			}
			v.SetDefault("providers."+p+"."+k, "")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyFallbacks(v, &cfg)
	return &cfg, nil
}

func applyFallbacks(v *viper.Viper, cfg *Config) {
	if cfg.Storage.DatabaseURL == "" {
		if url := os.Getenv("DATABASE_URL"); url != "" {
			cfg.Storage.DatabaseURL = url
			if !explicit(v, "storage.driver") {
				cfg.Storage.Driver = "postgres"
			}
		}
	}
	if port := os.Getenv("PORT"); port != "" && !explicit(v, "server.addr") {
		cfg.Server.Addr = ":" + port
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	}
}

// explicit reports whether key came from the file or the environment rather
// than a default.
func explicit(v *viper.Viper, key string) bool {
	if v.InConfig(key) {
		return true
	}
	_, ok := os.LookupEnv(EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	return ok
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be memory or postgres, got %q", c.Storage.Driver))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
	}
	for name, r := range map[string]ratelimit.Rule{
		"webhook": c.RateLimits.Webhook, "refund": c.RateLimits.Refund, "checkout": c.RateLimits.Checkout,
		"escrow": c.RateLimits.Escrow, "admin": c.RateLimits.Admin, "auth": c.RateLimits.Auth,
	} {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rate_limits.%s: %w", name, err))
		}
	}
	if !c.providerEnabled(c.Providers.Default) {
		errs = append(errs, fmt.Errorf("providers.default %q is not enabled", c.Providers.Default))
	}
	for name, p := range map[string]ProviderConfig{"bkash": c.Providers.Bkash, "nagad": c.Providers.Nagad} {
		if p.Enabled && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("providers.%s.base_url is required when enabled", name))
		}
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("webhook.max_body_bytes must be positive"))
	}
	if c.Reconcile.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconcile.max_attempts must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) providerEnabled(name string) bool {
	switch name {
	case "sandbox":
		return c.Providers.Sandbox.Enabled
	case "bkash":
		return c.Providers.Bkash.Enabled
	case "nagad":
		return c.Providers.Nagad.Enabled
	}
	return false
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
