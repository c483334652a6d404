package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stablepay/internal/chain"
	"stablepay/internal/metrics"
	"stablepay/internal/settlement"
)

// SettleOptions describe one settlement requested from the command line.
type SettleOptions struct {
	Kind          string
	OwnerID       string
	Wallet        string
	FromAsset     string
	ToAsset       string
	Recipient     string
	Amount        decimal.Decimal
	MinimumOutput decimal.Decimal
	Deadline      time.Duration
	OrderRef      string
	SkipFee       bool
}

func (a *App) intentFrom(opts SettleOptions) (settlement.Intent, error) {
	kind, err := settlement.ParseKind(strings.ToLower(strings.TrimSpace(opts.Kind)))
	if err != nil {
		return settlement.Intent{}, err
	}

	in := settlement.Intent{
		Kind:          kind,
		OwnerID:       opts.OwnerID,
		Wallet:        opts.Wallet,
		FromAsset:     opts.FromAsset,
		ToAsset:       opts.ToAsset,
		Recipient:     opts.Recipient,
		Amount:        opts.Amount,
		MinimumOutput: opts.MinimumOutput,
		OrderRef:      opts.OrderRef,
	}
	if opts.Deadline > 0 {
		in.Deadline = time.Now().Add(opts.Deadline)
	}

	fee := a.Config.Settlement.Fee
	if fee.Enabled && !opts.SkipFee {
		amount, err := decimal.NewFromString(fee.Amount)
		if err != nil {
			return settlement.Intent{}, fmt.Errorf("settlement.fee.amount: %w", err)
		}
		in.Fee = &settlement.FeeSpec{Amount: amount, Collector: fee.Collector}
	}
	return in, nil
}

// settleQuoter builds the router quoter only for swaps. Transfers and payouts
// never touch the router, so they run without ethereum.router_address.
func (a *App) settleQuoter(backend chain.Backend, registry *chain.Registry, kind settlement.Kind) (settlement.Quoter, error) {
	if kind != settlement.KindSwap {
		return nil, nil
	}
	quoter, err := a.newQuoter(backend, registry)
	if err != nil {
		return nil, err
	}
	return quoter, nil
}

// Settle executes a single intent end to end and prints the outcome.
func (a *App) Settle(ctx context.Context, opts SettleOptions) error {
	in, err := a.intentFrom(opts)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, closeSink, err := a.newSink()
	if err != nil {
		return err
	}
	defer closeSink()

	registry, err := chain.RegistryFromConfig(a.Config.Tokens)
	if err != nil {
		return err
	}

	eth := a.newChainClient()
	defer eth.Close()

	wallet, err := a.newSigner(eth)
	if err != nil {
		return err
	}
	if in.Wallet == "" {
		in.Wallet = wallet.Address().Hex()
	}

	quoter, err := a.settleQuoter(eth, registry, in.Kind)
	if err != nil {
		return err
	}

	orchOpts := settlement.OptionsFromConfig(a.Config.Settlement, a.Config.Ethereum.GatewayAddress)
	orchOpts.Metrics = metrics.Default()
	orch := settlement.New(wallet, quoter, a.newRateCache(), registry, store, sink, orchOpts, a.Logger)

	res, err := orch.Execute(ctx, in)
	printResult(os.Stdout, res)
	if err != nil && !settlement.IsWarning(err) {
		return err
	}
	if err != nil {
		a.Logger.Warn().Err(err).Str("tx", res.TxIdentifier).Msg("结算已广播，确认仍在等待")
	}
	return nil
}

func printResult(w io.Writer, res settlement.Result) {
	fmt.Fprintf(w, "state: %s\n", res.State)
	if res.TxIdentifier != "" {
		fmt.Fprintf(w, "tx: %s\n", res.TxIdentifier)
	}
	if res.ApprovalTx != "" {
		fmt.Fprintf(w, "approval: %s\n", res.ApprovalTx)
	}
	if res.FeeTx != "" {
		fmt.Fprintf(w, "fee: %s\n", res.FeeTx)
	}
	fmt.Fprintf(w, "attempts: %d\n", res.Attempts)
	if res.Record != nil {
		fmt.Fprintf(w, "record: %s (%s)\n", res.Record.ID, res.Record.Status)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", sanitizeInline(warning))
	}
}
