package cli

import (
	"time"

	"github.com/spf13/cobra"

	"stablepay/internal/app"
)

var (
	reconcileDryRun bool
	reconcileMinAge time.Duration
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Settle old pending ledger rows against on-chain receipts",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReconcileOptions{
			DryRun: reconcileDryRun,
			MinAge: reconcileMinAge,
		}

		return getApp().Reconcile(cmd.Context(), opts)
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "List pending rows without writing to storage")
	reconcileCmd.Flags().DurationVar(&reconcileMinAge, "min-age", 0, "Override reconciler.min_age")
}
