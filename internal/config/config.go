package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopgate/loopgate/internal/model"
)

// ThreatThresholds holds per-class detection thresholds. A monitored
// vector dimension crossing its class threshold (scaled by sensitivity)
// flags the class.
type ThreatThresholds struct {
	SystemCollapse     float64 `yaml:"system_collapse"`
	CascadeFailure     float64 `yaml:"cascade_failure"`
	AIDivergence       float64 `yaml:"ai_divergence"`
	IrreversibleAction float64 `yaml:"irreversible_action"`
	SensorBlackout     float64 `yaml:"sensor_blackout"`
}

// QuorumRule names a role and how many distinct endorsements it must
// contribute to an emergency reset.
type QuorumRule struct {
	Role  string `yaml:"role"`
	Count int    `yaml:"count"`
}

// Config holds all governance parameters. Values are validated at load
// time and again at session creation.
type Config struct {
	ConfidenceThreshold  float64          `yaml:"confidence_threshold"`
	HumanLatencyMaxMS    int              `yaml:"human_latency_max_ms"`
	DetectionSensitivity float64          `yaml:"detection_sensitivity"`
	EntropyMaxDeviation  float64          `yaml:"entropy_max_deviation"`
	AutoDisengageMargin  float64          `yaml:"auto_disengage_margin"`
	LateResponseWindowMS int              `yaml:"late_response_window_ms"`
	ThreatThresholds     ThreatThresholds `yaml:"threat_thresholds"`
	ResetQuorum          []QuorumRule     `yaml:"reset_quorum"`
}

// Default returns the built-in governance defaults.
func Default() *Config {
	return &Config{
		ConfidenceThreshold:  0.954,
		HumanLatencyMaxMS:    500,
		DetectionSensitivity: 0.99,
		EntropyMaxDeviation:  0.03,
		AutoDisengageMargin:  0.046,
		LateResponseWindowMS: 2000,
		ThreatThresholds: ThreatThresholds{
			SystemCollapse:     0.90,
			CascadeFailure:     0.85,
			AIDivergence:       0.80,
			IrreversibleAction: 0.95,
			SensorBlackout:     0.90,
		},
		ResetQuorum: []QuorumRule{
			{Role: string(model.RoleSafetyEngineer), Count: 1},
			{Role: string(model.RoleDomainExpert), Count: 1},
			{Role: string(model.RoleGovernanceAuthority), Count: 1},
		},
	}
}

// Validate checks invariants on all parameters.
func (c *Config) Validate() error {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in (0,1], got %v", c.ConfidenceThreshold)
	}
	if c.HumanLatencyMaxMS <= 0 {
		return fmt.Errorf("human_latency_max_ms must be positive, got %d", c.HumanLatencyMaxMS)
	}
	if c.DetectionSensitivity <= 0 || c.DetectionSensitivity > 1 {
		return fmt.Errorf("detection_sensitivity must be in (0,1], got %v", c.DetectionSensitivity)
	}
	if c.EntropyMaxDeviation < 0 || c.EntropyMaxDeviation > 1 {
		return fmt.Errorf("entropy_max_deviation must be in [0,1], got %v", c.EntropyMaxDeviation)
	}
	if c.AutoDisengageMargin < 0 || c.AutoDisengageMargin >= c.ConfidenceThreshold {
		return fmt.Errorf("auto_disengage_margin must be in [0, confidence_threshold), got %v", c.AutoDisengageMargin)
	}
	if c.LateResponseWindowMS < 0 {
		return fmt.Errorf("late_response_window_ms must not be negative, got %d", c.LateResponseWindowMS)
	}
	for _, th := range []struct {
		name string
		val  float64
	}{
		{"system_collapse", c.ThreatThresholds.SystemCollapse},
		{"cascade_failure", c.ThreatThresholds.CascadeFailure},
		{"ai_divergence", c.ThreatThresholds.AIDivergence},
		{"irreversible_action", c.ThreatThresholds.IrreversibleAction},
		{"sensor_blackout", c.ThreatThresholds.SensorBlackout},
	} {
		if th.val <= 0 || th.val > 1 {
			return fmt.Errorf("threat_thresholds.%s must be in (0,1], got %v", th.name, th.val)
		}
	}
	if len(c.ResetQuorum) == 0 {
		return fmt.Errorf("reset_quorum must name at least one role")
	}
	for _, q := range c.ResetQuorum {
		if _, err := model.ParseRole(q.Role); err != nil {
			return fmt.Errorf("reset_quorum: %w", err)
		}
		if q.Count <= 0 {
			return fmt.Errorf("reset_quorum role %s: count must be positive, got %d", q.Role, q.Count)
		}
	}
	return nil
}

// HumanDeadline returns the approval deadline as a duration.
func (c *Config) HumanDeadline() time.Duration {
	return time.Duration(c.HumanLatencyMaxMS) * time.Millisecond
}

// LateResponseWindow returns how long after a timeout a late channel
// response is still recorded. Zero disables late-response recording.
func (c *Config) LateResponseWindow() time.Duration {
	return time.Duration(c.LateResponseWindowMS) * time.Millisecond
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "loopgate", "config.yaml")
	}
	return filepath.Join(home, ".loopgate", "config.yaml")
}

// Load reads governance config from a YAML file. Empty path falls back
// to DefaultPath. A missing file returns defaults. Invalid YAML or
// invalid parameters return an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads governance config and returns the SHA-256 of the
// raw YAML bytes on disk. When no file exists (defaults used), the hash
// is the SHA-256 of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			return Default(), "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("failed to read governance config: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse governance config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid governance config: %w", err)
	}

	h := sha256.Sum256(data)
	return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
}

// Write marshals cfg to YAML at path, creating parent directories.
func Write(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal governance config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
