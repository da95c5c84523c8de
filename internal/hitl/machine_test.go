package hitl

import (
	"testing"

	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/model"
)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	return NewMachine(config.Default())
}

func titan() model.ThreatAssessment {
	return model.ThreatAssessment{Detected: true, Class: model.ThreatCascadeFailure, Score: 0.97}
}

func advisory() model.ThreatAssessment {
	return model.ThreatAssessment{Detected: true, Class: model.ThreatIrreversibleAction, Score: 0.96}
}

func TestCatastrophicThreatOverridesEverything(t *testing.T) {
	m := newMachine(t)
	states := []model.HitlState{
		model.OnTheLoop, model.InTheLoop, model.OverTheLoop, model.EmergencyControl,
	}
	for _, from := range states {
		// Even perfect confidence must not override a titan-class threat.
		next, reason := m.Transition(from, Input{Confidence: 0.999, Threat: titan()})
		if next != model.EmergencyControl {
			t.Errorf("from %s: next = %s, want emergency_control", from, next)
		}
		if reason != model.ReasonTitanThreat {
			t.Errorf("from %s: reason = %s, want titan_threat_detected", from, reason)
		}
	}
}

func TestConfidenceBoundary(t *testing.T) {
	m := newMachine(t)

	// Exactly at threshold: passing.
	next, reason := m.Transition(model.OnTheLoop, Input{Confidence: 0.954})
	if next != model.OnTheLoop || reason != model.ReasonConfidenceOK {
		t.Fatalf("at threshold: got (%s, %s)", next, reason)
	}

	// Just below: human in the loop.
	next, reason = m.Transition(model.OnTheLoop, Input{Confidence: 0.953999})
	if next != model.InTheLoop || reason != model.ReasonConfidenceLow {
		t.Fatalf("just below threshold: got (%s, %s)", next, reason)
	}
}

func TestAutoDisengageBelowMargin(t *testing.T) {
	m := newMachine(t)
	// threshold 0.954 - margin 0.046 = 0.908
	next, reason := m.Transition(model.OnTheLoop, Input{Confidence: 0.90})
	if next != model.OverTheLoop || reason != model.ReasonAutoDisengage {
		t.Fatalf("deep confidence collapse: got (%s, %s)", next, reason)
	}

	next, _ = m.Transition(model.OnTheLoop, Input{Confidence: 0.908})
	if next != model.InTheLoop {
		t.Fatalf("at disengage bound: got %s, want in_the_loop", next)
	}
}

func TestInTheLoopTransitions(t *testing.T) {
	m := newMachine(t)

	cases := []struct {
		name   string
		in     Input
		state  model.HitlState
		reason model.Reason
	}{
		{"timeout escalates", Input{Confidence: 0.95, HumanTimedOut: true}, model.OverTheLoop, model.ReasonHumanTimeout},
		{"timeout wins over good confidence", Input{Confidence: 0.99, HumanTimedOut: true}, model.OverTheLoop, model.ReasonHumanTimeout},
		{"advisory threat escalates", Input{Confidence: 0.95, Threat: advisory()}, model.OverTheLoop, model.ReasonThreatDuringWait},
		{"recovery returns autonomy", Input{Confidence: 0.96}, model.OnTheLoop, model.ReasonConfidenceRecovered},
		{"still low stays put", Input{Confidence: 0.94}, model.InTheLoop, model.ReasonConfidenceLow},
		{"collapse disengages", Input{Confidence: 0.5}, model.OverTheLoop, model.ReasonAutoDisengage},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, reason := m.Transition(model.InTheLoop, tc.in)
			if next != tc.state || reason != tc.reason {
				t.Fatalf("got (%s, %s), want (%s, %s)", next, reason, tc.state, tc.reason)
			}
		})
	}
}

func TestLatchedStatesIgnoreGoodReadings(t *testing.T) {
	m := newMachine(t)

	next, reason := m.Transition(model.OverTheLoop, Input{Confidence: 0.999})
	if next != model.OverTheLoop || reason != model.ReasonOverrideActive {
		t.Fatalf("over_the_loop: got (%s, %s)", next, reason)
	}

	next, reason = m.Transition(model.EmergencyControl, Input{Confidence: 0.999})
	if next != model.EmergencyControl || reason != model.ReasonEmergencyLatched {
		t.Fatalf("emergency_control: got (%s, %s)", next, reason)
	}
}

func TestAdvisoryThreatWhileAutonomous(t *testing.T) {
	m := newMachine(t)
	next, reason := m.Transition(model.OnTheLoop, Input{Confidence: 0.99, Threat: advisory()})
	if next != model.InTheLoop || reason != model.ReasonThreatAdvisory {
		t.Fatalf("got (%s, %s), want (in_the_loop, threat_advisory)", next, reason)
	}
}

// Transition must be total: every state and input combination resolves
// to a valid state and a non-empty reason.
func TestTransitionIsTotal(t *testing.T) {
	m := newMachine(t)
	states := []model.HitlState{
		model.OnTheLoop, model.InTheLoop, model.OverTheLoop, model.EmergencyControl,
	}
	confidences := []float64{0, 0.5, 0.907, 0.908, 0.953, 0.954, 1}
	threats := []model.ThreatAssessment{
		{},
		advisory(),
		titan(),
		{Detected: true, Class: model.ThreatSystemCollapse, Score: 1},
		{Detected: true, Class: model.ThreatSensorBlackout, Score: 0.95},
	}

	for _, st := range states {
		for _, c := range confidences {
			for _, ta := range threats {
				for _, timedOut := range []bool{false, true} {
					next, reason := m.Transition(st, Input{Confidence: c, Threat: ta, HumanTimedOut: timedOut})
					if !next.Valid() {
						t.Fatalf("invalid next state %q from (%s, %v, %v, %v)", next, st, c, ta, timedOut)
					}
					if reason == "" {
						t.Fatalf("empty reason from (%s, %v, %v, %v)", st, c, ta, timedOut)
					}
				}
			}
		}
	}
}

func FuzzTransitionTotal(f *testing.F) {
	f.Add("on_the_loop", 0.95, true, "cascade_failure", false)
	f.Add("in_the_loop", 0.2, false, "", true)
	f.Fuzz(func(t *testing.T, state string, confidence float64, detected bool, class string, timedOut bool) {
		m := NewMachine(config.Default())
		next, reason := m.Transition(model.HitlState(state), Input{
			Confidence:    confidence,
			Threat:        model.ThreatAssessment{Detected: detected, Class: model.ThreatClass(class)},
			HumanTimedOut: timedOut,
		})
		if !next.Valid() {
			t.Fatalf("invalid next state %q", next)
		}
		if reason == "" {
			t.Fatal("empty reason")
		}
	})
}
