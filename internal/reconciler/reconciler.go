package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stablepay/internal/alerting"
	"stablepay/internal/ledger"
	"stablepay/internal/metrics"
	"stablepay/internal/scheduler"
	"stablepay/internal/signer"
)

// ReceiptSource performs single receipt lookups.
type ReceiptSource interface {
	Receipt(ctx context.Context, txID string) (*signer.Receipt, error)
}

// Options tune the sweep.
type Options struct {
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
	LockKey   int64
	Metrics   *metrics.Metrics
}

// Report summarises one sweep.
type Report struct {
	Checked      int
	Completed    int
	Failed       int
	StillPending int
	Errors       int
}

// Reconciler settles pending ledger rows that outlived their settlement attempt.
type Reconciler struct {
	store    ledger.Store
	receipts ReceiptSource
	sink     alerting.Sink
	locker   ledger.AdvisoryLocker
	opts     Options
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs the reconciler. When the store supports advisory locks and a
// lock key is set only the lock holder sweeps.
func New(opts Options, store ledger.Store, receipts ReceiptSource, sink alerting.Sink, logger zerolog.Logger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.MinAge <= 0 {
		opts.MinAge = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if sink == nil {
		sink = alerting.Discard{}
	}

	var locker ledger.AdvisoryLocker
	if l, ok := store.(ledger.AdvisoryLocker); ok {
		locker = l
	}

	return &Reconciler{
		store:    store,
		receipts: receipts,
		sink:     sink,
		locker:   locker,
		opts:     opts,
		metrics:  opts.Metrics,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{Name: "reconcile", Interval: r.opts.Interval, Immediate: true}, r.logger)
	return sched.Run(ctx, r.tick)
}

func (r *Reconciler) tick(ctx context.Context, _ time.Time) error {
	_, err := r.Sweep(ctx)
	return err
}

// Sweep checks one batch of old pending rows against the chain.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	unlock, proceed, err := r.acquireLock(ctx)
	if err != nil {
		return Report{}, err
	}
	if !proceed {
		r.logger.Debug().Msg("skip sweep because advisory lock held elsewhere")
		return Report{}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	cutoff := r.now().Add(-r.opts.MinAge)
	rows, err := r.store.ListPending(ctx, cutoff, r.opts.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("list pending: %w", err)
	}

	var report Report
	for _, rec := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		txID := rec.TxID()
		if txID == "" {
			continue
		}
		report.Checked++
		r.reconcile(ctx, rec, &report)
	}

	if report.Checked > 0 {
		r.logger.Info().
			Int("checked", report.Checked).
			Int("completed", report.Completed).
			Int("failed", report.Failed).
			Int("pending", report.StillPending).
			Int("errors", report.Errors).
			Msg("pending sweep finished")
	}
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, rec ledger.PaymentRecord, report *Report) {
	txID := rec.TxID()
	log := r.logger.With().Str("tx", txID).Str("owner", rec.OwnerID).Logger()

	receipt, err := r.receipts.Receipt(ctx, txID)
	if errors.Is(err, signer.ErrReceiptNotFound) {
		report.StillPending++
		r.metrics.ObserveReconciled("pending")
		return
	}
	if err != nil {
		report.Errors++
		r.metrics.ObserveReconciled("error")
		log.Warn().Err(err).Msg("receipt lookup failed")
		return
	}

	final := ledger.StatusCompleted
	if !receipt.Success {
		final = ledger.StatusFailed
	}
	updated, err := r.store.UpdateByIdentifier(ctx, txID, ledger.StatusPending, ledger.StatusUpdate(final))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		// Finalised elsewhere between listing and update.
		report.StillPending++
		return
	case errors.Is(err, ledger.ErrConflict):
		report.Errors++
		log.Error().Err(err).Msg("conflicting ledger rows for transaction")
		return
	case err != nil:
		report.Errors++
		r.metrics.ObserveReconciled("error")
		log.Error().Err(err).Msg("ledger update failed")
		return
	}

	if final == ledger.StatusCompleted {
		report.Completed++
	} else {
		report.Failed++
	}
	r.metrics.ObserveReconciled(string(final))
	log.Info().Str("status", string(final)).Msg("pending row reconciled")

	counterpart := ""
	if updated.Recipient != nil {
		counterpart = *updated.Recipient
	}
	r.sink.Emit(alerting.Notification{
		OwnerID:      updated.OwnerID,
		Message:      fmt.Sprintf("payment of %s %s %s", updated.Amount, updated.CurrencyCode, final),
		TxIdentifier: txID,
		Status:       string(final),
		Amount:       updated.Amount,
		Currency:     updated.CurrencyCode,
		Counterpart:  counterpart,
	})
}

func (r *Reconciler) acquireLock(ctx context.Context) (func(), bool, error) {
	if r.opts.LockKey == 0 || r.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := r.locker.TryAdvisoryLock(ctx, r.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
