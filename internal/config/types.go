package config

import "time"

// Config represents the complete draftvault configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Engine    EngineConfig    `yaml:"engine"`
	Retention RetentionConfig `yaml:"retention"`
	Audit     AuditConfig     `yaml:"audit"`
	API       APIConfig       `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// EngineConfig defines where workbenches live and how transactions behave.
type EngineConfig struct {
	// Root is the directory holding one subdirectory per workbench.
	Root string `yaml:"root"`
	// LockTimeout bounds how long a mutating command waits for the
	// per-workbench lock before failing with a lock timeout.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// DiskHeadroom is multiplied against the larger of draft/published
	// when checking free space before publish or checkpoint creation.
	DiskHeadroom float64 `yaml:"disk_headroom"`
}

// PressurePolicy selects behavior when checkpoint storage exceeds the
// byte budget after bucket retention has already been applied.
type PressurePolicy string

const (
	PressureWarn   PressurePolicy = "warn"
	PressureSilent PressurePolicy = "silent"
	PressureFail   PressurePolicy = "fail"
)

// RetentionConfig defines snapshot retention limits.
type RetentionConfig struct {
	// MaxManualCheckpoints bounds checkpoints with reason=manual.
	MaxManualCheckpoints int `yaml:"max_manual_checkpoints"`
	// MaxAutoCheckpoints bounds checkpoints with reason=auto.
	MaxAutoCheckpoints int `yaml:"max_auto_checkpoints"`
	// MaxDraftRevisions bounds retained draft revisions per workbench.
	MaxDraftRevisions int `yaml:"max_draft_revisions"`
	// CheckpointByteBudget caps total checkpoint bytes per workbench.
	// Zero disables budget-based pruning.
	CheckpointByteBudget int64 `yaml:"checkpoint_byte_budget"`
	// DiskPressurePolicy controls budget-based pruning behavior.
	DiskPressurePolicy PressurePolicy `yaml:"disk_pressure_policy"`
}

// AuditConfig defines audit log storage settings.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey is a single bearer token; empty disables auth (local use).
	APIKey string `yaml:"api_key"`
}

// Defaults returns a Config with documented defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "draftvault",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Engine: EngineConfig{
			Root:         "./data/workbenches",
			LockTimeout:  30 * time.Second,
			DiskHeadroom: 1.2,
		},
		Retention: RetentionConfig{
			MaxManualCheckpoints: 50,
			MaxAutoCheckpoints:   200,
			MaxDraftRevisions:    200,
			CheckpointByteBudget: 0,
			DiskPressurePolicy:   PressureWarn,
		},
		Audit: AuditConfig{
			Path: "./data/audit.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8844",
		},
	}
}
