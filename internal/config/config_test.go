package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ConfidenceThreshold != 0.954 {
		t.Errorf("confidence_threshold = %v, want 0.954", cfg.ConfidenceThreshold)
	}
	if cfg.HumanLatencyMaxMS != 500 {
		t.Errorf("human_latency_max_ms = %d, want 500", cfg.HumanLatencyMaxMS)
	}
	if cfg.DetectionSensitivity != 0.99 {
		t.Errorf("detection_sensitivity = %v, want 0.99", cfg.DetectionSensitivity)
	}
	if cfg.AutoDisengageMargin != 0.046 {
		t.Errorf("auto_disengage_margin = %v, want 0.046", cfg.AutoDisengageMargin)
	}
	if len(cfg.ResetQuorum) != 3 {
		t.Errorf("reset_quorum has %d rules, want 3", len(cfg.ResetQuorum))
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, hash, err := LoadWithHash(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.ConfidenceThreshold != 0.954 {
		t.Errorf("expected default threshold, got %v", cfg.ConfidenceThreshold)
	}
	// SHA-256 of empty input
	if hash != "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("unexpected empty-input hash: %s", hash)
	}
}

func TestLoadOverlaysOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "confidence_threshold: 0.98\nhuman_latency_max_ms: 250\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, hash, err := LoadWithHash(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfidenceThreshold != 0.98 {
		t.Errorf("confidence_threshold = %v, want 0.98", cfg.ConfidenceThreshold)
	}
	if cfg.HumanLatencyMaxMS != 250 {
		t.Errorf("human_latency_max_ms = %d, want 250", cfg.HumanLatencyMaxMS)
	}
	// Unspecified fields keep defaults
	if cfg.DetectionSensitivity != 0.99 {
		t.Errorf("detection_sensitivity = %v, want default 0.99", cfg.DetectionSensitivity)
	}
	if hash == "" {
		t.Error("expected non-empty config hash")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"threshold above one", "confidence_threshold: 1.5\n"},
		{"threshold zero", "confidence_threshold: 0\n"},
		{"negative deadline", "human_latency_max_ms: -1\n"},
		{"sensitivity above one", "detection_sensitivity: 1.2\n"},
		{"margin exceeds threshold", "confidence_threshold: 0.5\nauto_disengage_margin: 0.6\n"},
		{"unknown quorum role", "reset_quorum:\n  - role: pilot\n    count: 1\n"},
		{"zero quorum count", "reset_quorum:\n  - role: safety_engineer\n    count: 0\n"},
		{"bad yaml", "confidence_threshold: [\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %q", tc.yaml)
			}
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	want := Default()
	want.ConfidenceThreshold = 0.97

	if err := Write(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ConfidenceThreshold != 0.97 {
		t.Errorf("round trip lost threshold: %v", got.ConfidenceThreshold)
	}
}
