package model

import (
	"strings"
	"testing"
)

func TestDigestIsStableAcrossParameterOrder(t *testing.T) {
	a := ActionPayload{
		Kind:   "course_change",
		Target: "waypoint-12",
		Parameters: map[string]string{
			"heading": "240",
			"speed":   "80",
			"alt":     "1200",
		},
	}
	b := ActionPayload{
		Kind:   "course_change",
		Target: "waypoint-12",
		Parameters: map[string]string{
			"alt":     "1200",
			"speed":   "80",
			"heading": "240",
		},
	}

	d1, d2 := a.Digest(), b.Digest()
	if d1 != d2 {
		t.Fatalf("same action digested differently: %s vs %s", d1, d2)
	}
	if !strings.HasPrefix(d1, "sha256:") {
		t.Fatalf("digest missing prefix: %s", d1)
	}
}

func TestDigestDistinguishesActions(t *testing.T) {
	a := ActionPayload{Kind: "course_change", Target: "waypoint-12"}
	b := ActionPayload{Kind: "course_change", Target: "waypoint-13"}
	if a.Digest() == b.Digest() {
		t.Fatal("distinct actions produced equal digests")
	}
}

func TestVectorValidateRejectsOutOfRange(t *testing.T) {
	good := GovernanceVector{AttackRisk: 0.2, RollbackCost: 1.0}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid vector rejected: %v", err)
	}

	bad := GovernanceVector{StabilityImpact: 1.01}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for stability_impact > 1")
	}

	neg := GovernanceVector{ModelDrift: -0.001}
	if err := neg.Validate(); err == nil {
		t.Fatal("expected error for negative model_drift")
	}
}

func TestCatastrophicClasses(t *testing.T) {
	cases := map[ThreatClass]bool{
		ThreatSystemCollapse:     true,
		ThreatCascadeFailure:     true,
		ThreatAIDivergence:       true,
		ThreatIrreversibleAction: false,
		ThreatSensorBlackout:     false,
	}
	for class, want := range cases {
		if got := class.Catastrophic(); got != want {
			t.Errorf("%s: Catastrophic() = %v, want %v", class, got, want)
		}
	}
}

func TestParseRole(t *testing.T) {
	if _, err := ParseRole(" safety_engineer "); err != nil {
		t.Fatalf("trimmed role rejected: %v", err)
	}
	if _, err := ParseRole("pilot"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
