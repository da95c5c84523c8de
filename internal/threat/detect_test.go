package threat

import (
	"testing"

	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/model"
)

func newDetector(t *testing.T) *Detector {
	t.Helper()
	return NewDetector(config.Default())
}

func TestCleanVectorNotDetected(t *testing.T) {
	d := newDetector(t)
	ta := d.Assess(model.GovernanceVector{
		AttackRisk:      0.1,
		RollbackCost:    0.2,
		StabilityImpact: 0.1,
		ModelDrift:      0.05,
		EntropyShift:    0.01,
	})
	if ta.Detected {
		t.Fatalf("clean vector flagged as %s", ta.Class)
	}
}

func TestEachDimensionMapsToItsClass(t *testing.T) {
	d := newDetector(t)
	cases := []struct {
		name   string
		vector model.GovernanceVector
		class  model.ThreatClass
	}{
		{"stability", model.GovernanceVector{StabilityImpact: 0.95}, model.ThreatSystemCollapse},
		{"attack", model.GovernanceVector{AttackRisk: 0.9}, model.ThreatCascadeFailure},
		{"drift", model.GovernanceVector{ModelDrift: 0.85}, model.ThreatAIDivergence},
		{"entropy", model.GovernanceVector{EntropyShift: 0.05}, model.ThreatAIDivergence},
		{"rollback", model.GovernanceVector{RollbackCost: 0.99}, model.ThreatIrreversibleAction},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ta := d.Assess(tc.vector)
			if !ta.Detected {
				t.Fatalf("expected detection for %+v", tc.vector)
			}
			if ta.Class != tc.class {
				t.Fatalf("class = %s, want %s", ta.Class, tc.class)
			}
		})
	}
}

func TestHighestPriorityClassWins(t *testing.T) {
	d := newDetector(t)
	// Both cascade_failure and system_collapse fire; collapse outranks.
	ta := d.Assess(model.GovernanceVector{
		AttackRisk:      0.95,
		StabilityImpact: 0.95,
	})
	if ta.Class != model.ThreatSystemCollapse {
		t.Fatalf("class = %s, want system_collapse", ta.Class)
	}
}

func TestSensitivityRaisesEffectiveThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.DetectionSensitivity = 0.5
	blunt := NewDetector(cfg)

	// With full sensitivity 0.91 crosses the 0.90 collapse threshold;
	// at sensitivity 0.5 the effective threshold is 0.95.
	v := model.GovernanceVector{StabilityImpact: 0.91}
	if ta := newDetector(t).Assess(v); !ta.Detected {
		t.Fatal("default sensitivity should detect 0.91 stability impact")
	}
	if ta := blunt.Assess(v); ta.Detected {
		t.Fatal("reduced sensitivity should not detect 0.91 stability impact")
	}
}

func TestAssessIsDeterministic(t *testing.T) {
	d := newDetector(t)
	v := model.GovernanceVector{AttackRisk: 0.9, ModelDrift: 0.85}
	first := d.Assess(v)
	for i := 0; i < 100; i++ {
		if got := d.Assess(v); got != first {
			t.Fatalf("assessment changed between calls: %+v vs %+v", got, first)
		}
	}
}
