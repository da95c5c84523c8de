package threat

import (
	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/model"
)

// Detector classifies catastrophic and advisory threats from a
// governance vector. Assess is pure: no side effects, same vector in,
// same assessment out, so sessions can be replayed.
type Detector struct {
	sensitivity float64
	thresholds  config.ThreatThresholds
	entropyMax  float64
}

// NewDetector builds a detector from governance config.
func NewDetector(cfg *config.Config) *Detector {
	return &Detector{
		sensitivity: cfg.DetectionSensitivity,
		thresholds:  cfg.ThreatThresholds,
		entropyMax:  cfg.EntropyMaxDeviation,
	}
}

// effective scales a class threshold by detection sensitivity.
// Sensitivity 1.0 leaves the threshold as configured; lower sensitivity
// raises it toward 1.0 (fewer detections).
func (d *Detector) effective(base float64) float64 {
	return 1 - d.sensitivity*(1-base)
}

// Assess checks each monitored dimension against its class threshold.
// Multiple classes may fire; the assessment reports the
// highest-priority one.
//
// Dimension to class mapping:
//   - stability_impact -> system_collapse
//   - attack_risk      -> cascade_failure
//   - model_drift      -> ai_divergence
//   - entropy_shift    -> ai_divergence (absolute bound, not scaled)
//   - rollback_cost    -> irreversible_action
func (d *Detector) Assess(v model.GovernanceVector) model.ThreatAssessment {
	var fired []model.ThreatAssessment

	if v.StabilityImpact >= d.effective(d.thresholds.SystemCollapse) {
		fired = append(fired, model.ThreatAssessment{
			Detected: true, Class: model.ThreatSystemCollapse, Score: v.StabilityImpact,
		})
	}
	if v.AttackRisk >= d.effective(d.thresholds.CascadeFailure) {
		fired = append(fired, model.ThreatAssessment{
			Detected: true, Class: model.ThreatCascadeFailure, Score: v.AttackRisk,
		})
	}
	if v.ModelDrift >= d.effective(d.thresholds.AIDivergence) {
		fired = append(fired, model.ThreatAssessment{
			Detected: true, Class: model.ThreatAIDivergence, Score: v.ModelDrift,
		})
	}
	// Entropy deviation is an absolute bound: any shift beyond the
	// configured deviation is divergence, regardless of sensitivity.
	if d.entropyMax > 0 && v.EntropyShift > d.entropyMax {
		fired = append(fired, model.ThreatAssessment{
			Detected: true, Class: model.ThreatAIDivergence, Score: v.EntropyShift,
		})
	}
	if v.RollbackCost >= d.effective(d.thresholds.IrreversibleAction) {
		fired = append(fired, model.ThreatAssessment{
			Detected: true, Class: model.ThreatIrreversibleAction, Score: v.RollbackCost,
		})
	}

	if len(fired) == 0 {
		return model.ThreatAssessment{}
	}

	best := fired[0]
	for _, f := range fired[1:] {
		if model.ClassPriority[f.Class] > model.ClassPriority[best.Class] {
			best = f
		} else if f.Class == best.Class && f.Score > best.Score {
			best = f
		}
	}
	return best
}
