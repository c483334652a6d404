package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"stablepay/internal/app"
)

var (
	settleKind      string
	settleOwner     string
	settleWallet    string
	settleFrom      string
	settleTo        string
	settleRecipient string
	settleAmount    string
	settleMinOut    string
	settleOrderRef  string
	settleDeadline  time.Duration
	settleNoFee     bool
)

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Execute a transfer, swap or payout from the configured wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(settleAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount value: %w", err)
		}

		opts := app.SettleOptions{
			Kind:      settleKind,
			OwnerID:   settleOwner,
			Wallet:    settleWallet,
			FromAsset: settleFrom,
			ToAsset:   settleTo,
			Recipient: settleRecipient,
			Amount:    amount,
			Deadline:  settleDeadline,
			OrderRef:  settleOrderRef,
			SkipFee:   settleNoFee,
		}
		if settleMinOut != "" {
			if opts.MinimumOutput, err = decimal.NewFromString(settleMinOut); err != nil {
				return fmt.Errorf("invalid --min-out value: %w", err)
			}
		}

		return getApp().Settle(cmd.Context(), opts)
	},
}

func init() {
	settleCmd.Flags().StringVar(&settleKind, "kind", "transfer", "Settlement kind: transfer, swap or payout")
	settleCmd.Flags().StringVar(&settleOwner, "owner", "", "Owner identifier recorded in the ledger")
	settleCmd.Flags().StringVar(&settleWallet, "wallet", "", "Wallet address (defaults to the signer address)")
	settleCmd.Flags().StringVar(&settleFrom, "from", "", "Source token symbol")
	settleCmd.Flags().StringVar(&settleTo, "to", "", "Target token symbol or payout currency code")
	settleCmd.Flags().StringVar(&settleRecipient, "recipient", "", "Recipient address or payout beneficiary")
	settleCmd.Flags().StringVar(&settleAmount, "amount", "", "Amount of the source token")
	settleCmd.Flags().StringVar(&settleMinOut, "min-out", "", "Agreed minimum output")
	settleCmd.Flags().StringVar(&settleOrderRef, "order-ref", "", "External order reference")
	settleCmd.Flags().DurationVar(&settleDeadline, "deadline", 0, "Swap deadline from now, e.g. 10m")
	settleCmd.Flags().BoolVar(&settleNoFee, "no-fee", false, "Skip the configured service fee")
	_ = settleCmd.MarkFlagRequired("owner")
	_ = settleCmd.MarkFlagRequired("from")
	_ = settleCmd.MarkFlagRequired("amount")
}
