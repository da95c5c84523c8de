package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loopgate/loopgate/internal/approval"
	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/evaluator"
	"github.com/loopgate/loopgate/internal/export"
	"github.com/loopgate/loopgate/internal/ledger"
	"github.com/loopgate/loopgate/internal/model"
	"github.com/loopgate/loopgate/internal/scorer"
)

// scenarioStep is one scripted evaluation.
type scenarioStep struct {
	Kind       string  `yaml:"kind"`
	Target     string  `yaml:"target"`
	Confidence float64 `yaml:"confidence"`

	AttackRisk      float64 `yaml:"attack_risk"`
	RollbackCost    float64 `yaml:"rollback_cost"`
	StabilityImpact float64 `yaml:"stability_impact"`
	ModelDrift      float64 `yaml:"model_drift"`
	EntropyShift    float64 `yaml:"entropy_shift"`

	// Verdict scripts the human response: approve, deny, or empty to
	// let the deadline expire.
	Verdict string `yaml:"verdict"`
}

type scenario struct {
	Session string         `yaml:"session"`
	Steps   []scenarioStep `yaml:"steps"`
}

func init() {
	rootCmd.AddCommand(simulateCmd)
}

var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Replay a scripted scenario through the governance pipeline",
	Long: "Runs each step of a scenario file through scoring, threat detection, and the " +
		"state machine with scripted human verdicts, then prints the resulting timeline. " +
		"Records go to a throwaway ledger unless --ledger is set.",
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read scenario: %w", err)
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Session == "" {
		sc.Session = "simulation"
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	path := flagLedger
	if path == "" {
		dir, err := os.MkdirTemp("", "loopgate-sim")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "ledger.db")
	}
	led, err := ledger.Open(path, ledger.NoopSigner{})
	if err != nil {
		return err
	}
	defer led.Close()

	entries := make([]scorer.Entry, 0, len(sc.Steps))
	for _, st := range sc.Steps {
		entries = append(entries, scorer.Entry{
			Vector: model.GovernanceVector{
				AttackRisk:      st.AttackRisk,
				RollbackCost:    st.RollbackCost,
				StabilityImpact: st.StabilityImpact,
				ModelDrift:      st.ModelDrift,
				EntropyShift:    st.EntropyShift,
			},
			Confidence: st.Confidence,
		})
	}

	gate := approval.NewGate()
	eval := evaluator.New(cfg, scorer.NewSequence(entries...), led, gate, evaluator.Options{})

	ctx := context.Background()
	for i, st := range sc.Steps {
		if st.Verdict == "approve" || st.Verdict == "deny" {
			go answerWhenParked(gate, sc.Session, st.Verdict == "approve")
		}

		action := model.ActionPayload{Kind: st.Kind, Target: st.Target}
		if action.Kind == "" {
			action.Kind = fmt.Sprintf("step_%d", i+1)
		}
		res, err := eval.Evaluate(ctx, sc.Session, action, model.Context{Origin: "simulate"})
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		fmt.Printf("step %d: %-17s %-24s conf=%.3f\n",
			i+1, res.Record.NewState, res.Record.Decision, res.Record.Confidence)
	}

	ex, err := export.Build(led, sc.Session, export.Filter{})
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Print(export.FormatTimeline(ex))
	return nil
}

// answerWhenParked waits for the session's approval request and
// resolves it with the scripted verdict.
func answerWhenParked(gate *approval.Gate, sessionID string, granted bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gate.Resolve(sessionID, granted) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
