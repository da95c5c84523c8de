package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// HitlState is the degree of human control over a governed session.
type HitlState string

const (
	// OnTheLoop: the system acts autonomously, humans observe.
	OnTheLoop HitlState = "on_the_loop"
	// InTheLoop: every action waits for explicit human approval.
	InTheLoop HitlState = "in_the_loop"
	// OverTheLoop: a human has taken direct control; autonomy suspended.
	OverTheLoop HitlState = "over_the_loop"
	// EmergencyControl: forced human control after a catastrophic threat.
	// Latched until a quorum-authorized reset.
	EmergencyControl HitlState = "emergency_control"
)

// StateRank maps states to a comparable severity for monotonic escalation
// and export summaries.
var StateRank = map[HitlState]int{
	OnTheLoop:        0,
	InTheLoop:        1,
	OverTheLoop:      2,
	EmergencyControl: 3,
}

// Valid reports whether s is one of the four HITL states.
func (s HitlState) Valid() bool {
	_, ok := StateRank[s]
	return ok
}

// Decision is the outcome of a single evaluation.
type Decision string

const (
	AutonomousApproved    Decision = "autonomous_approved"
	HumanApprovalGranted  Decision = "human_approval_granted"
	HumanApprovalDenied   Decision = "human_approval_denied"
	HumanApprovalTimedOut Decision = "human_approval_timed_out"
	EmergencyTakeover     Decision = "emergency_takeover"
	// ResumeAuthorized is produced only by the quorum-gated reset
	// operation, never by evaluate.
	ResumeAuthorized Decision = "resume_authorized"
)

// Reason is a machine-readable transition reason code.
type Reason string

const (
	ReasonConfidenceOK        Reason = "confidence_above_threshold"
	ReasonConfidenceLow       Reason = "confidence_below_threshold"
	ReasonConfidenceRecovered Reason = "confidence_recovered"
	ReasonAutoDisengage       Reason = "auto_disengage"
	ReasonThreatAdvisory      Reason = "threat_advisory"
	ReasonThreatDuringWait    Reason = "threat_during_approval"
	ReasonTitanThreat         Reason = "titan_threat_detected"
	ReasonHumanTimeout        Reason = "human_response_timeout"
	ReasonHumanDenied         Reason = "human_denied"
	ReasonOverrideActive      Reason = "human_override_active"
	ReasonEmergencyLatched    Reason = "emergency_latched"
	ReasonSessionFrozen       Reason = "session_frozen"
	ReasonQuorumReset         Reason = "quorum_reset"
	ReasonLateResponse        Reason = "late_human_response"
)

// GovernanceVector is the multi-dimensional risk score produced by the
// scorer for one evaluation. All dimensions are in [0,1].
// Fields are a fixed struct (no map) to guarantee deterministic
// json.Marshal order for reproducible sealing.
type GovernanceVector struct {
	AttackRisk      float64 `json:"attack_risk"`
	RollbackCost    float64 `json:"rollback_cost"`
	StabilityImpact float64 `json:"stability_impact"`
	ModelDrift      float64 `json:"model_drift"`
	EntropyShift    float64 `json:"entropy_shift"`
}

// Validate rejects vectors with any dimension outside [0,1].
func (v GovernanceVector) Validate() error {
	dims := []struct {
		name string
		val  float64
	}{
		{"attack_risk", v.AttackRisk},
		{"rollback_cost", v.RollbackCost},
		{"stability_impact", v.StabilityImpact},
		{"model_drift", v.ModelDrift},
		{"entropy_shift", v.EntropyShift},
	}
	for _, d := range dims {
		if d.val < 0 || d.val > 1 {
			return fmt.Errorf("vector dimension %s out of range: %v", d.name, d.val)
		}
	}
	return nil
}

// ThreatClass labels the kind of detected threat.
type ThreatClass string

const (
	ThreatSystemCollapse     ThreatClass = "system_collapse"
	ThreatCascadeFailure     ThreatClass = "cascade_failure"
	ThreatAIDivergence       ThreatClass = "ai_divergence"
	ThreatIrreversibleAction ThreatClass = "irreversible_action"
	ThreatSensorBlackout     ThreatClass = "sensor_blackout"
)

// ClassPriority orders threat classes; when multiple classes fire, the
// assessment reports the highest.
var ClassPriority = map[ThreatClass]int{
	ThreatSystemCollapse:     5,
	ThreatCascadeFailure:     4,
	ThreatAIDivergence:       3,
	ThreatIrreversibleAction: 2,
	ThreatSensorBlackout:     1,
}

// Catastrophic reports whether the class is titan-class: a detection in
// one of these classes forces EmergencyControl regardless of confidence.
func (c ThreatClass) Catastrophic() bool {
	switch c {
	case ThreatSystemCollapse, ThreatCascadeFailure, ThreatAIDivergence:
		return true
	}
	return false
}

// ThreatAssessment is the detector's verdict for one vector. Ephemeral:
// consumed by the evaluator and folded into the governance record.
type ThreatAssessment struct {
	Detected bool        `json:"detected"`
	Class    ThreatClass `json:"class,omitempty"`
	Score    float64     `json:"score,omitempty"`
}

// ActionPayload describes the autonomous action under evaluation.
// The core treats it as opaque beyond digesting.
type ActionPayload struct {
	Kind       string            `json:"kind"`
	Target     string            `json:"target"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Digest returns a stable "sha256:<hex>" digest of the action.
// Parameters are folded in key order so equal actions digest equally.
func (a ActionPayload) Digest() string {
	h := sha256.New()
	h.Write([]byte(a.Kind))
	h.Write([]byte{0})
	h.Write([]byte(a.Target))
	keys := make([]string, 0, len(a.Parameters))
	for k := range a.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(a.Parameters[k]))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// String renders the action for operator-facing output.
func (a ActionPayload) String() string {
	if a.Target == "" {
		return a.Kind
	}
	return a.Kind + " " + a.Target
}

// Context carries evaluation context supplied by the caller: where the
// action originates, the mission phase, and raw signal values the scorer
// may consume. Signals are not part of the action digest.
type Context struct {
	Origin  string    `json:"origin,omitempty"`
	Phase   string    `json:"phase,omitempty"`
	Signals []float64 `json:"signals,omitempty"`
}

// Role names a reset-quorum signatory role.
type Role string

const (
	RoleSafetyEngineer      Role = "safety_engineer"
	RoleDomainExpert        Role = "domain_expert"
	RoleGovernanceAuthority Role = "governance_authority"
)

// ParseRole validates a role name from config or CLI input.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(s))
	switch r {
	case RoleSafetyEngineer, RoleDomainExpert, RoleGovernanceAuthority:
		return r, nil
	}
	return "", fmt.Errorf("unknown quorum role %q", s)
}
