package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"stablepay/internal/ledger"
)

// PaymentsOptions configure the payments listing.
type PaymentsOptions struct {
	OwnerID  string
	Status   string
	Currency string
	Limit    int
	// Pending lists pending rows of every owner older than OlderThan instead.
	Pending   bool
	OlderThan time.Duration
}

// ShowPayments prints ledger rows for one owner, or the pending backlog.
func (a *App) ShowPayments(ctx context.Context, opts PaymentsOptions) error {
	if !opts.Pending && strings.TrimSpace(opts.OwnerID) == "" {
		return errors.New("owner is required unless listing pending payments")
	}

	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	var records []ledger.PaymentRecord
	if opts.Pending {
		records, err = store.ListPending(ctx, time.Now().Add(-opts.OlderThan), opts.Limit)
	} else {
		filter := ledger.Filter{Currency: opts.Currency, Limit: opts.Limit}
		if opts.Status != "" {
			if filter.Status, err = ledger.ParseStatus(opts.Status); err != nil {
				return err
			}
		}
		records, err = store.QueryByOwner(ctx, opts.OwnerID, filter)
	}
	if err != nil {
		return err
	}

	writePayments(os.Stdout, records)
	return nil
}

func writePayments(out io.Writer, records []ledger.PaymentRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no payments found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tOwner\tAmount\tCurrency\tStatus\tTx\tRecipient")

	for _, rec := range records {
		recipient := ""
		if rec.Recipient != nil {
			recipient = sanitizeInline(*rec.Recipient)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			sanitizeInline(rec.OwnerID),
			formatDecimal(rec.Amount, 6),
			rec.CurrencyCode,
			rec.Status,
			rec.TxID(),
			recipient,
		)
	}

	writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
