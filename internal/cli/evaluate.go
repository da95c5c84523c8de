package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loopgate/loopgate/internal/approval"
	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/evaluator"
	"github.com/loopgate/loopgate/internal/ledger"
	"github.com/loopgate/loopgate/internal/model"
	"github.com/loopgate/loopgate/internal/scorer"
)

var (
	evalSession string
	evalTarget  string
	evalParams  []string
	evalOrigin  string
	evalPhase   string
	evalModel   string
	evalOrtLib  string
)

func init() {
	evaluateCmd.Flags().StringVar(&evalSession, "session", "default", "governance session identifier")
	evaluateCmd.Flags().StringVar(&evalTarget, "target", "", "resource the action touches")
	evaluateCmd.Flags().StringArrayVar(&evalParams, "param", nil, "action parameter as key=value (repeatable)")
	evaluateCmd.Flags().StringVar(&evalOrigin, "origin", "cli", "where the action originates")
	evaluateCmd.Flags().StringVar(&evalPhase, "phase", "", "mission phase")
	evaluateCmd.Flags().StringVar(&evalModel, "model", "", "ONNX scorer model path (omit for the static scorer)")
	evaluateCmd.Flags().StringVar(&evalOrtLib, "ort-lib", "", "onnxruntime shared library path")
	rootCmd.AddCommand(evaluateCmd)
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <kind>",
	Short: "Evaluate a single action through governance",
	Long: "Runs one action through the pipeline against the shared ledger. A low-confidence " +
		"evaluation waits on the approval store, so `loopgate approve` from another terminal " +
		"resolves it inside the deadline.",
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var sc scorer.Scorer
	if evalModel == "" {
		sc = scorer.NewStatic(scorer.Entry{Confidence: 0.96})
	} else {
		sc, err = scorer.NewONNX(evalModel, evalOrtLib)
		if err != nil {
			return err
		}
	}

	led, err := ledger.Open(ledgerPath(), ledger.NoopSigner{})
	if err != nil {
		return err
	}
	defer led.Close()

	store, err := approval.NewStore(approval.DefaultDir())
	if err != nil {
		return err
	}

	params := make(map[string]string, len(evalParams))
	for _, p := range evalParams {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("invalid --param %q, want key=value", p)
		}
		params[k] = v
	}

	eval := evaluator.New(cfg, sc, led, approval.NewStoreChannel(store), evaluator.Options{})
	res, err := eval.Evaluate(context.Background(), evalSession, model.ActionPayload{
		Kind:       args[0],
		Target:     evalTarget,
		Parameters: params,
	}, model.Context{Origin: evalOrigin, Phase: evalPhase})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(map[string]any{
		"allowed":    res.Allowed,
		"decision":   res.Record.Decision,
		"state":      res.Record.NewState,
		"reason":     res.Record.Reason,
		"confidence": res.Record.Confidence,
		"seq":        res.Record.Seq,
		"seal":       res.Record.Seal,
		"trace_id":   res.Record.TraceID,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !res.Allowed {
		os.Exit(1)
	}
	return nil
}
