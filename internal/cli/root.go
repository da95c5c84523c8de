// Package cli implements the loopgate command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/ledger"
)

var (
	flagConfig string
	flagLedger string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "governance config file (default ~/.loopgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLedger, "ledger", "", "audit ledger database (default ~/.loopgate/ledger.db)")
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.DefaultPath()
}

func ledgerPath() string {
	if flagLedger != "" {
		return flagLedger
	}
	return ledger.DefaultPath()
}

var rootCmd = &cobra.Command{
	Use:   "loopgate",
	Short: "Real-time human-in-the-loop governance for autonomous systems",
	Long: "Evaluates every autonomous action against confidence and threat thresholds, " +
		"escalates to a human under a hard deadline when confidence degrades, and seals " +
		"every decision into a tamper-evident audit ledger.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
