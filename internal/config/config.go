package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Retention RetentionConfig `yaml:"retention"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	Cron      CronConfig      `yaml:"cron"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used for cron coordination.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// IngestConfig holds ingest pipeline settings.
type IngestConfig struct {
	// ServerKey authenticates trusted server-side senders; it unlocks the
	// bot flag and bypasses origin enforcement.
	ServerKey string `yaml:"server_key"`
	// ProviderKeySecret derives the AES key for encrypted provider secrets
	// and sensitive metadata. Must be at least 32 characters.
	ProviderKeySecret string `yaml:"provider_key_secret"`
}

// WebhookConfig holds payment provider webhook secrets.
type WebhookConfig struct {
	StripeSecret       string `yaml:"stripe_secret"`
	LemonsqueezySecret string `yaml:"lemonsqueezy_secret"`
}

// RetentionConfig holds data retention horizons and the GC cadence.
type RetentionConfig struct {
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
	RawEventDays           int `yaml:"raw_event_days"`
	RollupHourlyDays       int `yaml:"rollup_hourly_days"`
	RollupDailyDays        int `yaml:"rollup_daily_days"`
}

// CleanupInterval returns the GC cadence as a duration.
func (c RetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// RateLimitConfig holds ingest rate-limit maxima.
type RateLimitConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	PerIP         int `yaml:"per_ip"`
	PerSite       int `yaml:"per_site"`
}

// Window returns the rate-limit window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// GeoIPConfig holds the MaxMind database location.
type GeoIPConfig struct {
	MMDBPath string `yaml:"mmdb_path"`
}

// CronConfig authenticates the retention and rebuild endpoints.
type CronConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads and parses the configuration file, then applies defaults.
// A missing file yields a default config so env-only deployments work.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Retention.CleanupIntervalMinutes == 0 {
		cfg.Retention.CleanupIntervalMinutes = 6 * 60
	}
	if cfg.Retention.RawEventDays == 0 {
		cfg.Retention.RawEventDays = 90
	}
	if cfg.Retention.RollupHourlyDays == 0 {
		cfg.Retention.RollupHourlyDays = 30
	}
	if cfg.Retention.RollupDailyDays == 0 {
		cfg.Retention.RollupDailyDays = 1095
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.PerIP == 0 {
		cfg.RateLimit.PerIP = 60
	}
	if cfg.RateLimit.PerSite == 0 {
		cfg.RateLimit.PerSite = 300
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides. A
// .env file (if present) is loaded first so secrets can live there locally
// and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("INGEST_SERVER_KEY"); v != "" {
		cfg.Ingest.ServerKey = v
	}
	if v := os.Getenv("REVENUE_PROVIDER_KEY_SECRET"); v != "" {
		cfg.Ingest.ProviderKeySecret = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Webhooks.StripeSecret = v
	}
	if v := os.Getenv("LEMONSQUEEZY_WEBHOOK_SECRET"); v != "" {
		cfg.Webhooks.LemonsqueezySecret = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.Cron.Secret = v
	}
	if v := os.Getenv("GEOIP_MMDB_PATH"); v != "" {
		cfg.GeoIP.MMDBPath = v
	}

	for env, target := range map[string]*int{
		"RAW_EVENT_RETENTION_DAYS":     &cfg.Retention.RawEventDays,
		"ROLLUP_HOURLY_RETENTION_DAYS": &cfg.Retention.RollupHourlyDays,
		"ROLLUP_DAILY_RETENTION_DAYS":  &cfg.Retention.RollupDailyDays,
		"RATE_LIMIT_PER_IP":            &cfg.RateLimit.PerIP,
		"RATE_LIMIT_PER_SITE":          &cfg.RateLimit.PerSite,
	} {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
			*target = n
		}
	}
	if v := os.Getenv("CLEANUP_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("CLEANUP_INTERVAL_MS: %w", err)
		}
		cfg.Retention.CleanupIntervalMinutes = ms / 60000
		if cfg.Retention.CleanupIntervalMinutes < 1 {
			cfg.Retention.CleanupIntervalMinutes = 1
		}
	}

	return cfg, nil
}

// Validate enforces the invariants a running server depends on.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database url is required (DATABASE_URL)")
	}
	if len(c.Ingest.ProviderKeySecret) < 32 {
		return errors.New("config: REVENUE_PROVIDER_KEY_SECRET must be at least 32 characters")
	}
	return nil
}
