package api

import (
	"errors"
	"os"
	"time"

	"github.com/rmedina/waflow/internal/logger"
)

// EnvAPISecret is the environment variable for the JWT signing secret.
// It takes precedence over the config file value.
const EnvAPISecret = "WAFLOW_API_SECRET"

// Config configures the admin REST API server.
type Config struct {
	// Enabled turns the admin API on. Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Addr is the listen address. Default: :8081.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// ReadTimeout bounds reading the entire request. Default: 10s.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds writing the response. Default: 10s.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// AdminUsername is the operator login. Default: admin.
	AdminUsername string `mapstructure:"admin_username" yaml:"admin_username"`

	// AdminPasswordHash is the bcrypt hash of the operator password.
	AdminPasswordHash string `mapstructure:"admin_password_hash" yaml:"admin_password_hash"`

	// JWT configures token generation and validation.
	JWT JWTConfig `mapstructure:"jwt" yaml:"jwt"`
}

// JWTConfig configures the HMAC token service.
type JWTConfig struct {
	// Secret is the signing key. Must be at least 32 characters. Can also
	// be set via WAFLOW_API_SECRET, which takes precedence.
	Secret string `mapstructure:"secret" yaml:"secret"`

	// TokenDuration is the access token lifetime. Default: 1h.
	TokenDuration time.Duration `mapstructure:"token_duration" yaml:"token_duration"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8081"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.AdminUsername == "" {
		c.AdminUsername = "admin"
	}
	if c.JWT.TokenDuration == 0 {
		c.JWT.TokenDuration = time.Hour
	}
}

// Validate checks that an enabled API can authenticate operators.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.AdminPasswordHash == "" {
		return errors.New("api admin_password_hash is required when the api is enabled")
	}
	if len(c.Secret()) < 32 {
		return errors.New("api jwt secret must be at least 32 characters")
	}
	return nil
}

// Secret returns the JWT signing key, preferring the environment variable.
func (c *Config) Secret() string {
	if env := os.Getenv(EnvAPISecret); env != "" {
		if c.JWT.Secret != "" && c.JWT.Secret != env {
			logger.Warn("JWT secret from environment variable overrides config file value",
				"env_var", EnvAPISecret)
		}
		return env
	}
	return c.JWT.Secret
}
