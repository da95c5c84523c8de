package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loopgate/loopgate/internal/approval"
	"github.com/loopgate/loopgate/internal/scorer"
	"github.com/loopgate/loopgate/internal/server"
)

var (
	serveAuthorities string
	serveModel       string
	serveOrtLib      string
	serveMetricsAddr string
	serveSignerSeed  string
	serveNoReload    bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAuthorities, "authorities", "", "authority registry for reset ceremonies (yaml)")
	serveCmd.Flags().StringVar(&serveModel, "model", "", "ONNX scorer model path (omit for the static scorer)")
	serveCmd.Flags().StringVar(&serveOrtLib, "ort-lib", "", "onnxruntime shared library path")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9109)")
	serveCmd.Flags().StringVar(&serveSignerSeed, "signer-seed", "", "hex ed25519 seed for record signatures (omit for unsigned)")
	serveCmd.Flags().BoolVar(&serveNoReload, "no-reload", false, "disable config hot-reload")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governance engine as an MCP server on stdio",
	Long: "Exposes loopgate_evaluate and the operator tools over MCP. Approvals are " +
		"resolved through the file store, so `loopgate approve` works from another terminal.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	sc, err := buildScorer()
	if err != nil {
		return err
	}

	cfg := server.Config{
		ConfigPath:      configPath(),
		LedgerPath:      ledgerPath(),
		AuthoritiesPath: serveAuthorities,
		ApprovalDir:     approval.DefaultDir(),
	}
	if serveSignerSeed != "" {
		seed, err := hex.DecodeString(serveSignerSeed)
		if err != nil {
			return fmt.Errorf("invalid signer seed: %w", err)
		}
		cfg.SignerSeed = seed
	}

	srv, err := server.New(cfg, sc)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !serveNoReload {
		reloader, err := server.NewReloader(srv)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config hot-reload disabled: %v\n", err)
		} else {
			go func() {
				if err := reloader.Run(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "reloader stopped: %v\n", err)
				}
			}()
		}
	}

	if serveMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", srv.Metrics().Handler())
		go func() {
			if err := http.ListenAndServe(serveMetricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics endpoint stopped: %v\n", err)
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "loopgate serving on stdio (config %s)\n", srv.ConfigHash())
	return srv.Run(ctx)
}

// buildScorer picks the scorer implementation from flags. Without a
// model path the static scorer answers with a fixed benign profile,
// which is only useful for wiring checks and demos.
func buildScorer() (scorer.Scorer, error) {
	if serveModel == "" {
		return scorer.NewStatic(scorer.Entry{Confidence: 0.96}), nil
	}
	return scorer.NewONNX(serveModel, serveOrtLib)
}
