// Package config loads, validates, and persists the waflow configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (WAFLOW_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/pkg/api"
	"github.com/rmedina/waflow/pkg/breaker"
	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/media"
	"github.com/rmedina/waflow/pkg/metrics"
	"github.com/rmedina/waflow/pkg/provider"
	"github.com/rmedina/waflow/pkg/ratelimit"
	"github.com/rmedina/waflow/pkg/reaper"
	"github.com/rmedina/waflow/pkg/retry"
	"github.com/rmedina/waflow/pkg/session/store"
	"github.com/rmedina/waflow/pkg/webhook"
	"github.com/rmedina/waflow/pkg/worker"
)

// Config is the full waflow engine configuration.
//
// Static aspects live here: transports, stores, budgets, and texts. Flow
// definitions are code, registered at startup, and are not configurable.
type Config struct {
	// Environment selects runtime behavior that differs between
	// development and production, most notably webhook signature
	// enforcement.
	Environment string `mapstructure:"environment" validate:"required,oneof=development staging production" yaml:"environment"`

	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Database configures session persistence (SQLite or PostgreSQL)
	Database store.Config `mapstructure:"database" yaml:"database"`

	// Redis configures the rate-limit counter backend
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`

	// Provider configures the WhatsApp Cloud API client
	Provider provider.Config `mapstructure:"provider" yaml:"provider"`

	// Webhook configures the inbound event server
	Webhook webhook.Config `mapstructure:"webhook" yaml:"webhook"`

	// Manager configures cross-flow dispatch policy: agent takeover,
	// global cancel, passthrough button prefixes
	Manager flow.ManagerConfig `mapstructure:"manager" yaml:"manager"`

	// RateLimit configures per-user budgets and the spam window
	RateLimit ratelimit.Config `mapstructure:"rate_limit" yaml:"rate_limit"`

	// Breaker configures the outbound provider circuit breaker
	Breaker breaker.Config `mapstructure:"breaker" yaml:"breaker"`

	// Retry configures the dispatch retry budget
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// Background configures the enrichment worker pool
	Background worker.Config `mapstructure:"background" yaml:"background"`

	// Reaper configures the idle-session sweep
	Reaper reaper.Config `mapstructure:"reaper" yaml:"reaper"`

	// Metrics configures the Prometheus endpoint
	Metrics metrics.Config `mapstructure:"metrics" yaml:"metrics"`

	// API configures the admin REST server
	API api.Config `mapstructure:"api" yaml:"api"`

	// Archive configures S3 media archival for inbound attachments
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`

	// OCRFields are the report fields the background OCR task extracts
	// from label photos
	OCRFields []string `mapstructure:"ocr_fields" yaml:"ocr_fields,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// LoggerConfig converts to the logger package's config type.
func (c LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{Level: c.Level, Format: c.Format, Output: c.Output}
}

// TelemetryConfig controls OpenTelemetry distributed tracing. When enabled,
// trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false (opt-in)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// RedisConfig configures the Redis connection backing the rate limiter.
type RedisConfig struct {
	// Addr is the host:port of the Redis server
	// Default: "localhost:6379"
	Addr string `mapstructure:"addr" yaml:"addr"`

	// Password authenticates against a protected server (optional)
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// DB selects the logical database
	DB int `mapstructure:"db" validate:"omitempty,gte=0" yaml:"db"`
}

// RetryConfig configures the concurrency-retry budget applied around
// handler dispatch.
type RetryConfig struct {
	// MaxAttempts bounds total attempts, first try included
	// Default: 3
	MaxAttempts int `mapstructure:"max_attempts" validate:"omitempty,gte=1" yaml:"max_attempts"`

	// BaseDelay seeds the exponential backoff
	// Default: 100ms
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the backoff
	// Default: 2s
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// Options converts to the retry package's options type.
func (c RetryConfig) Options() retry.Options {
	return retry.Options{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
	}
}

// ArchiveConfig configures S3 media archival.
type ArchiveConfig struct {
	// Enabled controls whether inbound media is archived before OCR
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// S3 carries the bucket and credential settings
	S3 media.Config `mapstructure:"s3" yaml:"s3"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, run on defaults plus environment.
	if !configFileFound {
		cfg := GetDefaultConfig()
		if err := bindEnvOverrides(v, cfg); err != nil {
			return nil, err
		}
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the config
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  waflow init\n\n"+
				"Or specify a custom config file:\n"+
				"  waflow <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  waflow init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file carries tokens and password hashes.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Watch re-reads the config file on change and calls onChange with the
// reloaded configuration. Reload failures are logged and the previous
// configuration stays in effect. Only safe-to-reload sections should be
// applied by the caller (logging level, notice texts, rate budgets).
func Watch(configPath string, onChange func(*Config)) error {
	if configPath == "" {
		configPath = GetDefaultConfigPath()
	}

	v := viper.New()
	setupViper(v, configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file for watching: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(configPath)
		if err != nil {
			logger.Warn("config reload failed, keeping previous configuration",
				slog.String("path", e.Name),
				logger.Err(err))
			return
		}
		logger.Info("configuration reloaded", slog.String("path", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// setupViper configures environment variable and config file handling.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the WAFLOW_ prefix and underscores.
	// Example: WAFLOW_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("WAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/waflow/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns whether
// a file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// bindEnvOverrides re-unmarshals a defaults-only config so WAFLOW_*
// environment variables still apply when no config file exists. AutomaticEnv
// alone does not populate Unmarshal, so the known keys are bound explicitly
// through the defaults snapshot.
func bindEnvOverrides(v *viper.Viper, cfg *Config) error {
	settings := map[string]any{}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to snapshot defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("failed to snapshot defaults: %w", err)
	}
	if err := v.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("failed to merge defaults: %w", err)
	}
	if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(cfg)
	return nil
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, falling back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "waflow")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "waflow")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
