package cli

import (
	"github.com/spf13/cobra"

	"stablepay/internal/app"
)

var (
	ratesCurrencies []string
	ratesForce      bool
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Refresh and print off-chain exchange rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rates(cmd.Context(), app.RatesOptions{
			Currencies: ratesCurrencies,
			Force:      ratesForce,
		})
	},
}

func init() {
	ratesCmd.Flags().StringSliceVar(&ratesCurrencies, "currency", nil, "Currencies to refresh (defaults to rates.currencies)")
	ratesCmd.Flags().BoolVar(&ratesForce, "force", true, "Fetch even when a fresh entry is cached")
}
