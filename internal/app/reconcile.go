package app

import (
	"context"
	"errors"
	"os"
	"time"
)

// ReconcileOptions configure a one-shot pending sweep.
type ReconcileOptions struct {
	DryRun bool
	// MinAge overrides reconciler.min_age when positive.
	MinAge time.Duration
}

// Reconcile runs a single sweep over pending ledger rows.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	if opts.MinAge > 0 {
		a.Config.Reconciler.MinAge = opts.MinAge
	}

	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.DryRun {
		a.Logger.Warn().Msg("对账 dry-run：只列出待处理记录，不会写入数据库")
		records, err := store.ListPending(ctx, time.Now().Add(-a.Config.Reconciler.MinAge), a.Config.Reconciler.BatchSize)
		if err != nil {
			return err
		}
		writePayments(os.Stdout, records)
		return nil
	}

	sink, closeSink, err := a.newSink()
	if err != nil {
		return err
	}
	defer closeSink()

	eth := a.newChainClient()
	defer eth.Close()

	receipts, err := a.newSigner(eth)
	if err != nil {
		return err
	}

	report, err := a.newReconciler(store, receipts, sink).Sweep(ctx)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int("checked", report.Checked).
		Int("completed", report.Completed).
		Int("failed", report.Failed).
		Int("pending", report.StillPending).
		Msg("对账完成")
	if report.Errors > 0 {
		return errors.New("部分记录对账失败，请检查日志")
	}
	return nil
}
