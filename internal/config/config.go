package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the SongForge server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Provider  ProviderConfig
	Callback  CallbackConfig
	Plans     PlansConfig
	Sweep     SweepConfig
	RateLimit RateLimitConfig
	Admin     AdminConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
	// StatusTTL is how long a provider status snapshot is served from cache.
	StatusTTL time.Duration
}

type ProviderConfig struct {
	Name      string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	SunoAPI   SunoAPIConfig
}

type SunoAPIConfig struct {
	BaseURL string
	APIKey  string
}

type CallbackConfig struct {
	// PublicBaseURL is the externally reachable base URL the provider posts callbacks to.
	PublicBaseURL string
	Secret        string
	TokenTTL      time.Duration
}

type PlansConfig struct {
	File string
}

// SweepConfig controls the stale-task sweeper. A zero MaxAge disables it.
type SweepConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

type RateLimitConfig struct {
	PerMinute int
}

// AdminConfig seeds an admin API key at startup when BootstrapKey is set.
type AdminConfig struct {
	BootstrapKey string
	OwnerID      string
}

var validProviders = map[string]bool{
	"sunoapi": true,
	"mock":    true,
}

const (
	minCallbackSecretLen = 32
	minBootstrapKeyLen   = 24
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetInt("SONGFORGE_PORT"),
			Env:      v.GetString("SONGFORGE_ENV"),
			LogLevel: v.GetString("LOG_LEVEL"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("DATABASE_URL"),
			MaxOpenConns:    v.GetInt("DATABASE_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DATABASE_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DATABASE_CONN_MAX_LIFETIME"),
			MigrationsDir:   v.GetString("MIGRATIONS_DIR"),
		},
		Redis: RedisConfig{
			URL:       v.GetString("REDIS_URL"),
			StatusTTL: v.GetDuration("STATUS_CACHE_TTL"),
		},
		Provider: ProviderConfig{
			Name:      v.GetString("PROVIDER"),
			Timeout:   time.Duration(v.GetInt("PROVIDER_TIMEOUT_SECS")) * time.Second,
			RateLimit: v.GetFloat64("PROVIDER_RATE_LIMIT"),
			Burst:     v.GetInt("PROVIDER_RATE_BURST"),
			SunoAPI: SunoAPIConfig{
				BaseURL: v.GetString("SUNOAPI_BASE_URL"),
				APIKey:  v.GetString("SUNOAPI_KEY"),
			},
		},
		Callback: CallbackConfig{
			PublicBaseURL: strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
			Secret:        v.GetString("CALLBACK_SECRET"),
			TokenTTL:      v.GetDuration("CALLBACK_TOKEN_TTL"),
		},
		Plans: PlansConfig{
			File: v.GetString("PLANS_FILE"),
		},
		Sweep: SweepConfig{
			MaxAge:   v.GetDuration("SWEEP_MAX_AGE"),
			Interval: v.GetDuration("SWEEP_INTERVAL"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: v.GetInt("RATE_LIMIT_PER_MIN"),
		},
		Admin: AdminConfig{
			BootstrapKey: v.GetString("ADMIN_BOOTSTRAP_KEY"),
			OwnerID:      v.GetString("ADMIN_OWNER_ID"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SONGFORGE_PORT", 8080)
	v.SetDefault("SONGFORGE_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("STATUS_CACHE_TTL", 5*time.Second)
	v.SetDefault("PROVIDER", "sunoapi")
	v.SetDefault("PROVIDER_TIMEOUT_SECS", 30)
	v.SetDefault("PROVIDER_RATE_LIMIT", 5.0)
	v.SetDefault("PROVIDER_RATE_BURST", 5)
	v.SetDefault("SUNOAPI_BASE_URL", "https://api.sunoapi.org")
	v.SetDefault("CALLBACK_TOKEN_TTL", 7*24*time.Hour)
	v.SetDefault("SWEEP_MAX_AGE", time.Duration(0))
	v.SetDefault("SWEEP_INTERVAL", 5*time.Minute)
	v.SetDefault("RATE_LIMIT_PER_MIN", 60)
	v.SetDefault("ADMIN_OWNER_ID", "admin")
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SONGFORGE_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Provider.Name == "" {
		return fmt.Errorf("PROVIDER is required")
	}
	if !validProviders[c.Provider.Name] {
		return fmt.Errorf("PROVIDER must be one of sunoapi, mock; got %q", c.Provider.Name)
	}
	if c.Provider.Name == "sunoapi" {
		if c.Provider.SunoAPI.APIKey == "" {
			return fmt.Errorf("SUNOAPI_KEY is required when PROVIDER is sunoapi")
		}
		if !isHTTPURL(c.Provider.SunoAPI.BaseURL) {
			return fmt.Errorf("SUNOAPI_BASE_URL must start with http:// or https://, got %q", c.Provider.SunoAPI.BaseURL)
		}
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT_SECS must be positive")
	}
	if c.Provider.RateLimit <= 0 {
		return fmt.Errorf("PROVIDER_RATE_LIMIT must be positive")
	}
	if c.Provider.Burst < 1 {
		return fmt.Errorf("PROVIDER_RATE_BURST must be at least 1")
	}

	if c.Callback.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if !isHTTPURL(c.Callback.PublicBaseURL) {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Callback.PublicBaseURL)
	}
	if len(c.Callback.Secret) < minCallbackSecretLen {
		return fmt.Errorf("CALLBACK_SECRET must be at least %d characters", minCallbackSecretLen)
	}

	if c.Sweep.MaxAge < 0 {
		return fmt.Errorf("SWEEP_MAX_AGE must not be negative")
	}
	if c.Sweep.MaxAge > 0 && c.Sweep.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive when SWEEP_MAX_AGE is set")
	}

	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive")
	}

	if c.Admin.BootstrapKey != "" && len(c.Admin.BootstrapKey) < minBootstrapKeyLen {
		return fmt.Errorf("ADMIN_BOOTSTRAP_KEY must be at least %d characters", minBootstrapKeyLen)
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
