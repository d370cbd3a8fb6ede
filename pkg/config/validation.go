package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for correctness. Struct tags cover the
// scalar constraints; sections that own secrets or cross-field rules
// (database, provider, webhook, admin API) run their own Validate.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid configuration: %s", describeFirst(errs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := cfg.Provider.Validate(); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := cfg.Webhook.Validate(); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if err := cfg.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if cfg.Reaper.WarningAfter >= cfg.Reaper.TimeoutAfter {
		return fmt.Errorf("reaper: warning_after (%s) must be shorter than timeout_after (%s)",
			cfg.Reaper.WarningAfter, cfg.Reaper.TimeoutAfter)
	}
	if cfg.Archive.Enabled && cfg.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive: bucket is required when archival is enabled")
	}

	return nil
}

// describeFirst renders the first tag violation in a readable form.
func describeFirst(errs validator.ValidationErrors) string {
	e := errs[0]
	return fmt.Sprintf("field %s failed %q validation (value: %v)", e.Namespace(), e.Tag(), e.Value())
}
