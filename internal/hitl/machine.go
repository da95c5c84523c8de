package hitl

import (
	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/model"
)

// Input carries everything a transition depends on for one evaluation.
type Input struct {
	Confidence    float64
	Threat        model.ThreatAssessment
	HumanTimedOut bool
}

// Machine is the governance state machine. Transition is pure and
// total: every (state, input) pair maps to exactly one next state and
// one reason code.
type Machine struct {
	threshold       float64
	disengageMargin float64
}

// NewMachine builds a state machine from governance config.
func NewMachine(cfg *config.Config) *Machine {
	return &Machine{
		threshold:       cfg.ConfidenceThreshold,
		disengageMargin: cfg.AutoDisengageMargin,
	}
}

// Threshold returns the configured confidence threshold.
func (m *Machine) Threshold() float64 { return m.threshold }

// Transition resolves the next state for the current state and input.
//
// Ordering (must not be changed):
//  1. Catastrophic threat — forces EmergencyControl from any state,
//     before any confidence comparison. A high confidence score never
//     overrides a detected titan-class threat.
//  2. Latched states — EmergencyControl and OverTheLoop only leave via
//     a quorum-authorized reset, never via a transition input.
//  3. Human timeout — while InTheLoop, an expired approval deadline
//     escalates to OverTheLoop.
//  4. Advisory threat — a detected non-catastrophic threat escalates
//     OnTheLoop to InTheLoop and InTheLoop to OverTheLoop.
//  5. Confidence — equal to the threshold passes; below it enters
//     InTheLoop; below threshold minus the disengage margin the system
//     disengages itself to OverTheLoop without waiting for a human.
func (m *Machine) Transition(current model.HitlState, in Input) (model.HitlState, model.Reason) {
	if in.Threat.Detected && in.Threat.Class.Catastrophic() {
		return model.EmergencyControl, model.ReasonTitanThreat
	}

	switch current {
	case model.EmergencyControl:
		return model.EmergencyControl, model.ReasonEmergencyLatched

	case model.OverTheLoop:
		return model.OverTheLoop, model.ReasonOverrideActive

	case model.InTheLoop:
		if in.Threat.Detected {
			return model.OverTheLoop, model.ReasonThreatDuringWait
		}
		if in.HumanTimedOut {
			return model.OverTheLoop, model.ReasonHumanTimeout
		}
		if in.Confidence >= m.threshold {
			return model.OnTheLoop, model.ReasonConfidenceRecovered
		}
		if in.Confidence < m.threshold-m.disengageMargin {
			return model.OverTheLoop, model.ReasonAutoDisengage
		}
		return model.InTheLoop, model.ReasonConfidenceLow

	default: // OnTheLoop, and any unknown state degrades to the initial rules
		if in.Threat.Detected {
			return model.InTheLoop, model.ReasonThreatAdvisory
		}
		if in.Confidence >= m.threshold {
			return model.OnTheLoop, model.ReasonConfidenceOK
		}
		if in.Confidence < m.threshold-m.disengageMargin {
			return model.OverTheLoop, model.ReasonAutoDisengage
		}
		return model.InTheLoop, model.ReasonConfidenceLow
	}
}
