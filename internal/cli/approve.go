package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loopgate/loopgate/internal/approval"
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
	rootCmd.AddCommand(pendingCmd)
}

var approveCmd = &cobra.Command{
	Use:   "approve <key>",
	Short: "Grant a pending approval request",
	Long:  "Resolves a pending approval by key. Keys are listed by `loopgate pending`.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveRequest(args[0], true)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <key>",
	Short: "Deny a pending approval request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveRequest(args[0], false)
	},
}

func resolveRequest(key string, granted bool) error {
	store, err := approval.NewStore(approval.DefaultDir())
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}

	if granted {
		err = store.Approve(key)
	} else {
		err = store.Deny(key)
	}
	if err != nil {
		return err
	}

	verb := "approved"
	if !granted {
		verb = "denied"
	}
	fmt.Printf("%s %s\n", verb, key)
	return nil
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := approval.NewStore(approval.DefaultDir())
		if err != nil {
			return fmt.Errorf("open approval store: %w", err)
		}
		reqs, err := store.List()
		if err != nil {
			return err
		}

		shown := 0
		for _, r := range reqs {
			if r.Status != approval.StatusPending {
				continue
			}
			if shown == 0 {
				fmt.Printf("%-30s %-15s %-30s %s\n", "KEY", "SESSION", "ACTION", "DEADLINE")
			}
			fmt.Printf("%-30s %-15s %-30s %s\n", r.Key, r.SessionID, r.Action, r.DeadlineAt.Format("15:04:05.000"))
			shown++
		}
		if shown == 0 {
			fmt.Println("No pending approvals.")
		}
		return nil
	},
}
