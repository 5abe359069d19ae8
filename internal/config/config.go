// Package config loads julesq settings from flags, environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/jules"
)

// EnvPrefix is prepended to every environment override, e.g. JULESQ_HTTP_ADDR
const EnvPrefix = "JULESQ"

// Config holds all configuration values for the application.
type Config struct {
	// Directory holding the SQLite database
	DataDir string `mapstructure:"data_dir"`

	// HTTP listen address for the API and /metrics
	HTTPAddr string `mapstructure:"http_addr"`

	LogLevel string `mapstructure:"log_level"`

	// OTLP gRPC collector; empty disables tracing
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	JulesBaseURL     string        `mapstructure:"jules_base_url"`
	ProviderTimeout  time.Duration `mapstructure:"provider_timeout"`
	ProviderRate     float64       `mapstructure:"provider_rate"`
	ProviderBurst    int           `mapstructure:"provider_burst"`
	DefaultSourceID  string        `mapstructure:"default_source_id"`
	DefaultBranch    string        `mapstructure:"default_branch"`
	DefaultTimeZone  string        `mapstructure:"default_time_zone"`
	TickSchedule     string        `mapstructure:"tick_schedule"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	Concurrency      int           `mapstructure:"concurrency"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	DiscordWebhook   string        `mapstructure:"discord_webhook"`
	SlackWebhook     string        `mapstructure:"slack_webhook"`
	CORSAllowOrigins []string      `mapstructure:"cors_allow_origins"`
}

// DatabasePath returns the SQLite file inside DataDir
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "julesq.db")
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("jules_base_url", jules.DefaultBaseURL)
	v.SetDefault("provider_timeout", 30*time.Second)
	v.SetDefault("provider_rate", 1.0)
	v.SetDefault("provider_burst", 5)
	v.SetDefault("default_source_id", "sources/github/open-learning-exchange/myplanet")
	v.SetDefault("default_branch", db.DefaultBranch)
	v.SetDefault("default_time_zone", "America/New_York")
	v.SetDefault("tick_schedule", "@every 1m")
	v.SetDefault("retry_delay", 10*time.Minute)
	v.SetDefault("concurrency", 1)
	v.SetDefault("stale_after", 15*time.Minute)
	v.SetDefault("discord_webhook", "")
	v.SetDefault("slack_webhook", "")
	v.SetDefault("cors_allow_origins", []string{"*"})
}

// New returns a viper instance with defaults and JULESQ_ env overrides wired
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at runtime
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("provider_timeout must be positive"))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, errors.New("retry_delay must be positive"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if c.TickSchedule == "" {
		errs = append(errs, errors.New("tick_schedule is required"))
	}
	if err := db.ValidateSourceID(c.DefaultSourceID); err != nil {
		errs = append(errs, fmt.Errorf("default_source_id: %w", err))
	}
	if _, err := time.LoadLocation(c.DefaultTimeZone); err != nil {
		errs = append(errs, fmt.Errorf("invalid default_time_zone: %w", err))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".julesq"
	}
	return filepath.Join(home, ".julesq")
}
