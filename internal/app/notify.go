package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stablepay/internal/alerting"
	"stablepay/internal/ledger"
	"stablepay/internal/version"
)

// NotifyOptions describe a test notification.
type NotifyOptions struct {
	OwnerID  string
	Message  string
	Amount   decimal.Decimal
	Currency string
}

// NotifyTest 通过已配置的告警通道同步发送一条测试通知。
func (a *App) NotifyTest(ctx context.Context, opts NotifyOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier, closeNotifier, err := alerting.Build(a.Config.Alerting, version.UserAgent(), a.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeNotifier(); err != nil {
			a.Logger.Warn().Err(err).Msg("close notifiers")
		}
	}()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note := alerting.Notification{
		OwnerID:      opts.OwnerID,
		Message:      opts.Message,
		TxIdentifier: fmt.Sprintf("test-%s", uuid.NewString()),
		Status:       string(ledger.StatusPending),
		Amount:       opts.Amount,
		Currency:     opts.Currency,
	}
	if err := notifier.Notify(ctx, note); err != nil {
		return fmt.Errorf("send test notification: %w", err)
	}

	a.Logger.Info().Str("tx", note.TxIdentifier).Msg("测试通知已发送")
	return nil
}
