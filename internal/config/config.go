// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from a YAML file (path given by --configuration,
// default "config.yaml" in the working directory) with environment variable
// overrides taking precedence, following the same viper/gotenv layering the
// rest of this codebase uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container (spec.md §6).
type Config struct {
	ApplicationSecret string
	MasterKeys        []string
	Host              string
	Port              int
	LogLevel          string

	Database DatabaseConfig
	Cache    CacheConfig
	OTel     OTelConfig

	// Failover holds the retry budget and attempt timeouts (§4.D, §4.F).
	// They are validated and logged at startup; the Dispatcher does not read
	// them and uses its own fixed budget (balance.MaxRetries) and timeouts.
	Failover FailoverConfig
}

// DatabaseConfig holds the Postgres connection used by internal/store.
type DatabaseConfig struct {
	Engine         string // "postgres"
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	MinConnections int
	MaxConnections int
}

// CacheConfig holds the Redis connection used by the Quota Engine.
type CacheConfig struct {
	Engine   string // "redis"
	Host     string
	Port     int
	Username string
	Password string
}

// OTelConfig is optional tracing/metrics export configuration.
type OTelConfig struct {
	ExporterOTLPEndpoint string
}

// FailoverConfig holds the configured attempt budget and timeouts. These
// values are not passed to the Dispatcher.
type FailoverConfig struct {
	MaxRetries      int
	AttemptTimeout  time.Duration
	LargeAttemptTTL time.Duration // attempt timeout for large completions (§4.F)
}

// Load reads configuration from path (YAML) with LLMUR_* environment
// variable overrides. An empty path falls back to "config.yaml" in the
// working directory, following the teacher's config.example.yaml discovery.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	_ = v.ReadInConfig()

	v.SetEnvPrefix("LLMUR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("database_configuration.engine", "postgres")
	v.SetDefault("database_configuration.min_connections", 2)
	v.SetDefault("database_configuration.max_connections", 20)
	v.SetDefault("cache_configuration.engine", "redis")
	v.SetDefault("failover.max_retries", 3)
	v.SetDefault("failover.attempt_timeout", "60s")
	v.SetDefault("failover.large_attempt_timeout", "120s")

	cfg := &Config{
		ApplicationSecret: v.GetString("application_secret"),
		MasterKeys:        v.GetStringSlice("master_keys"),
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		LogLevel:          strings.ToLower(v.GetString("log_level")),

		Database: DatabaseConfig{
			Engine:         v.GetString("database_configuration.engine"),
			Host:           v.GetString("database_configuration.host"),
			Port:           v.GetInt("database_configuration.port"),
			Database:       v.GetString("database_configuration.database"),
			Username:       v.GetString("database_configuration.username"),
			Password:       v.GetString("database_configuration.password"),
			MinConnections: v.GetInt("database_configuration.min_connections"),
			MaxConnections: v.GetInt("database_configuration.max_connections"),
		},

		Cache: CacheConfig{
			Engine:   v.GetString("cache_configuration.engine"),
			Host:     v.GetString("cache_configuration.host"),
			Port:     v.GetInt("cache_configuration.port"),
			Username: v.GetString("cache_configuration.username"),
			Password: v.GetString("cache_configuration.password"),
		},

		OTel: OTelConfig{
			ExporterOTLPEndpoint: v.GetString("otel.exporter_otlp_endpoint"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("failover.max_retries"),
			AttemptTimeout:  v.GetDuration("failover.attempt_timeout"),
			LargeAttemptTTL: v.GetDuration("failover.large_attempt_timeout"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ApplicationSecret == "" {
		return fmt.Errorf("config: application_secret is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Database.Engine != "postgres" {
		return fmt.Errorf("config: database_configuration.engine must be %q, got %q", "postgres", c.Database.Engine)
	}
	if c.Database.Host == "" || c.Database.Database == "" {
		return fmt.Errorf("config: database_configuration.host and database are required")
	}
	if c.Database.MinConnections < 0 || c.Database.MaxConnections < c.Database.MinConnections {
		return fmt.Errorf("config: database_configuration min_connections/max_connections are inconsistent")
	}

	if c.Cache.Engine != "redis" {
		return fmt.Errorf("config: cache_configuration.engine must be %q, got %q", "redis", c.Cache.Engine)
	}
	if c.Cache.Host == "" {
		return fmt.Errorf("config: cache_configuration.host is required")
	}

	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: failover.max_retries must be ≥ 1, got %d", c.Failover.MaxRetries)
	}
	if c.Failover.AttemptTimeout <= 0 {
		return fmt.Errorf("config: failover.attempt_timeout must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
