package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stablepay/internal/app"
)

var (
	paymentsOwner     string
	paymentsStatus    string
	paymentsCurrency  string
	paymentsLimit     int
	paymentsPending   bool
	paymentsOlderThan time.Duration
)

var paymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "Display ledger rows for an owner or the pending backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		if paymentsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.PaymentsOptions{
			OwnerID:   paymentsOwner,
			Status:    paymentsStatus,
			Currency:  paymentsCurrency,
			Limit:     paymentsLimit,
			Pending:   paymentsPending,
			OlderThan: paymentsOlderThan,
		}

		return getApp().ShowPayments(cmd.Context(), opts)
	},
}

func init() {
	paymentsCmd.Flags().StringVar(&paymentsOwner, "owner", "", "Owner identifier")
	paymentsCmd.Flags().StringVar(&paymentsStatus, "status", "", "Filter by status")
	paymentsCmd.Flags().StringVar(&paymentsCurrency, "currency", "", "Filter by currency code")
	paymentsCmd.Flags().IntVar(&paymentsLimit, "limit", 20, "Number of rows to display")
	paymentsCmd.Flags().BoolVar(&paymentsPending, "pending", false, "List pending rows of every owner")
	paymentsCmd.Flags().DurationVar(&paymentsOlderThan, "older-than", 0, "With --pending, only rows older than this")
}
