package cli

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/loopgate/loopgate/internal/config"
)

func TestInitWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	flagConfig = path
	defer func() { flagConfig = "" }()

	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("init: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.ConfidenceThreshold != 0.954 {
		t.Errorf("threshold = %v, want 0.954", cfg.ConfidenceThreshold)
	}

	// Second init without --force refuses to overwrite.
	initForce = false
	if err := runInit(initCmd, nil); err == nil {
		t.Error("init over an existing file should fail without --force")
	}
}

func TestScenarioParsing(t *testing.T) {
	data := []byte(`session: flight-7
steps:
  - kind: adjust_course
    confidence: 0.961
  - kind: adjust_course
    confidence: 0.947
    verdict: approve
  - kind: vent_coolant
    confidence: 0.970
    stability_impact: 0.95
`)
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sc.Session != "flight-7" || len(sc.Steps) != 3 {
		t.Fatalf("parsed %s with %d steps", sc.Session, len(sc.Steps))
	}
	if sc.Steps[1].Verdict != "approve" {
		t.Errorf("step 2 verdict = %q", sc.Steps[1].Verdict)
	}
	if sc.Steps[2].StabilityImpact != 0.95 {
		t.Errorf("step 3 stability_impact = %v", sc.Steps[2].StabilityImpact)
	}
}

func TestTrimNewline(t *testing.T) {
	if got := string(trimNewline([]byte("abc\r\n"))); got != "abc" {
		t.Errorf("got %q", got)
	}
	if got := string(trimNewline([]byte("abc"))); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestConfigPathFallsBackToDefault(t *testing.T) {
	flagConfig = ""
	if configPath() == "" {
		t.Error("configPath should never be empty")
	}
	home, err := os.UserHomeDir()
	if err == nil {
		want := filepath.Join(home, ".loopgate", "config.yaml")
		if configPath() != want {
			t.Errorf("configPath = %q, want %q", configPath(), want)
		}
	}
}
