package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses configuration from a single YAML file. Missing
// fields keep their defaults; an absent file is an error so a typo'd
// --config path fails loudly instead of silently running on defaults.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks constraints the zero values of the YAML decode could
// otherwise smuggle in.
func Validate(cfg *Config) error {
	if cfg.Engine.Root == "" {
		return fmt.Errorf("engine.root is empty")
	}
	if cfg.Engine.LockTimeout <= 0 {
		return fmt.Errorf("engine.lock_timeout must be positive")
	}
	if cfg.Engine.DiskHeadroom < 1.0 {
		return fmt.Errorf("engine.disk_headroom must be >= 1.0")
	}
	if cfg.Retention.MaxManualCheckpoints < 1 {
		return fmt.Errorf("retention.max_manual_checkpoints must be >= 1")
	}
	if cfg.Retention.MaxAutoCheckpoints < 1 {
		return fmt.Errorf("retention.max_auto_checkpoints must be >= 1")
	}
	if cfg.Retention.MaxDraftRevisions < 1 {
		return fmt.Errorf("retention.max_draft_revisions must be >= 1")
	}
	if cfg.Retention.CheckpointByteBudget < 0 {
		return fmt.Errorf("retention.checkpoint_byte_budget must not be negative")
	}
	switch cfg.Retention.DiskPressurePolicy {
	case PressureWarn, PressureSilent, PressureFail:
	default:
		return fmt.Errorf("retention.disk_pressure_policy %q is invalid (want warn, silent, or fail)",
			cfg.Retention.DiskPressurePolicy)
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is empty while api.enabled is true")
	}
	return nil
}
