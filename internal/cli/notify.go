package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"stablepay/internal/app"
)

var (
	notifyOwner    string
	notifyMessage  string
	notifyAmount   float64
	notifyCurrency string
)

var notifyCmd = &cobra.Command{
	Use:   "notify-test",
	Short: "发送一条测试通知以验证告警通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		if notifyAmount < 0 {
			return errors.New("--amount 不能为负数")
		}

		return getApp().NotifyTest(cmd.Context(), app.NotifyOptions{
			OwnerID:  notifyOwner,
			Message:  notifyMessage,
			Amount:   decimal.NewFromFloat(notifyAmount),
			Currency: notifyCurrency,
		})
	},
}

func init() {
	notifyCmd.Flags().StringVar(&notifyOwner, "owner", "test", "Owner identifier")
	notifyCmd.Flags().StringVar(&notifyMessage, "message", "stablepay test notification", "Message body")
	notifyCmd.Flags().Float64Var(&notifyAmount, "amount", 1, "Amount shown in the notification")
	notifyCmd.Flags().StringVar(&notifyCurrency, "currency", "USDC", "Currency shown in the notification")
}
