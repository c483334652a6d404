package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"stablepay/internal/ratecache"
)

// RatesOptions configure a one-shot rate refresh.
type RatesOptions struct {
	Currencies []string
	Force      bool
}

// Rates refreshes the requested currencies and prints the resulting cache.
func (a *App) Rates(ctx context.Context, opts RatesOptions) error {
	currencies := a.Config.ResolveCurrencies(opts.Currencies)
	if len(currencies) == 0 {
		return fmt.Errorf("no currencies configured; pass --currency or set rates.currencies")
	}

	manager := a.newRateCache()
	report, err := manager.Refresh(ctx, currencies, opts.Force)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Strs("refreshed", report.Refreshed).
		Strs("fallback", report.Fallback).
		Strs("failed", report.Failed).
		Msg("汇率刷新完成")

	writeRates(os.Stdout, manager, manager.Snapshot(), report.Failed)
	return nil
}

func writeRates(out io.Writer, manager *ratecache.Manager, entries []ratecache.Entry, failed []string) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Currency\tRate\tFetched (UTC)\tStale")

	for _, e := range entries {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%t\n",
			e.Currency,
			formatDecimal(e.Rate, 4),
			e.FetchedAt.UTC().Format(time.RFC3339),
			manager.IsStale(e),
		)
	}
	for _, cur := range failed {
		fmt.Fprintf(writer, "%s\t-\t-\tunavailable\n", cur)
	}

	writer.Flush()
}
