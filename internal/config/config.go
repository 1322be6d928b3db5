// Package config loads gocycled settings from the environment and an
// optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// EnvPrefix is prepended to every environment variable, e.g. GOCYCLE_HTTP_ADDR.
const EnvPrefix = "GOCYCLE"

// Storage backends understood by the daemon.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Config holds all configuration for the gocycled daemon.
type Config struct {
	HTTPAddr        string        `mapstructure:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	LogPretty       bool          `mapstructure:"LOG_PRETTY"`

	Timezone           string  `mapstructure:"TIMEZONE"`
	PriceWeekly        float64 `mapstructure:"PRICE_WEEKLY"`
	PriceBiWeekly      float64 `mapstructure:"PRICE_BIWEEKLY"`
	PriceMonthly       float64 `mapstructure:"PRICE_MONTHLY"`
	BillingSchedule    string  `mapstructure:"BILLING_SCHEDULE"`
	BillingConcurrency int     `mapstructure:"BILLING_CONCURRENCY"`

	// StorageBackend selects the durable store. CacheBackend, when set to
	// "redis" or "memory", fronts it through storage/tiered.
	StorageBackend     string `mapstructure:"STORAGE_BACKEND"`
	CacheBackend       string `mapstructure:"CACHE_BACKEND"`
	PostgresURL        string `mapstructure:"POSTGRES_URL"`
	RedisAddr          string `mapstructure:"REDIS_ADDR"`
	RedisPassword      string `mapstructure:"REDIS_PASSWORD"`
	RedisDB            int    `mapstructure:"REDIS_DB"`
	FirestoreProjectID string `mapstructure:"FIRESTORE_PROJECT_ID"`

	StripeAPIKey        string `mapstructure:"STRIPE_API_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeSuccessURL    string `mapstructure:"STRIPE_SUCCESS_URL"`
	StripeCancelURL     string `mapstructure:"STRIPE_CANCEL_URL"`
	Currency            string `mapstructure:"CURRENCY"`

	MetricsNamespace string `mapstructure:"METRICS_NAMESPACE"`
}

var keys = []string{
	"HTTP_ADDR", "SHUTDOWN_TIMEOUT", "LOG_LEVEL", "LOG_PRETTY",
	"TIMEZONE", "PRICE_WEEKLY", "PRICE_BIWEEKLY", "PRICE_MONTHLY",
	"BILLING_SCHEDULE", "BILLING_CONCURRENCY",
	"STORAGE_BACKEND", "CACHE_BACKEND", "POSTGRES_URL",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "FIRESTORE_PROJECT_ID",
	"STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_SUCCESS_URL", "STRIPE_CANCEL_URL", "CURRENCY",
	"METRICS_NAMESPACE",
}

// Load reads configuration from GOCYCLE_* environment variables. When file is
// non-empty it is read first and the environment overrides it.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TIMEZONE", gocycle.DefaultTimezone)
	v.SetDefault("BILLING_SCHEDULE", "0 6 25 * *") // 06:00 on the 25th, ahead of next month's first Monday.
	v.SetDefault("BILLING_CONCURRENCY", 4)
	v.SetDefault("STORAGE_BACKEND", BackendMemory)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("CURRENCY", "zar")
	v.SetDefault("METRICS_NAMESPACE", "gocycle")

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend requirements and the billing schedule.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("%s_POSTGRES_URL is required for the postgres backend", EnvPrefix)
		}
	case BackendFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("%s_FIRESTORE_PROJECT_ID is required for the firestore backend", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}

	switch c.CacheBackend {
	case "", BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	if c.CacheBackend != "" && c.CacheBackend == c.StorageBackend {
		return fmt.Errorf("cache backend must differ from storage backend %q", c.StorageBackend)
	}

	if _, err := cron.ParseStandard(c.BillingSchedule); err != nil {
		return fmt.Errorf("invalid %s_BILLING_SCHEDULE %q: %w", EnvPrefix, c.BillingSchedule, err)
	}
	if c.BillingConcurrency < 1 {
		return fmt.Errorf("%s_BILLING_CONCURRENCY must be positive", EnvPrefix)
	}
	if c.StripeAPIKey != "" && c.StripeSuccessURL == "" {
		return fmt.Errorf("%s_STRIPE_SUCCESS_URL is required when Stripe is enabled", EnvPrefix)
	}
	return nil
}

// Prices returns the configured per-delivery price of each tier. Unset
// tiers are omitted so requests must carry their own amount.
func (c *Config) Prices() map[gocycle.Tier]float64 {
	prices := make(map[gocycle.Tier]float64, 3)
	for tier, price := range map[gocycle.Tier]float64{
		gocycle.TierWeekly:   c.PriceWeekly,
		gocycle.TierBiWeekly: c.PriceBiWeekly,
		gocycle.TierMonthly:  c.PriceMonthly,
	} {
		if price > 0 {
			prices[tier] = price
		}
	}
	return prices
}

// StripeEnabled reports whether card invoices get Stripe Checkout links.
func (c *Config) StripeEnabled() bool {
	return c.StripeAPIKey != ""
}
