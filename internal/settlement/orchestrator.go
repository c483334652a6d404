package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stablepay/internal/alerting"
	"stablepay/internal/chain"
	"stablepay/internal/config"
	"stablepay/internal/ledger"
	"stablepay/internal/metrics"
	"stablepay/internal/ratecache"
	"stablepay/internal/signer"
)

// Quoter prices exact-input swaps on chain.
type Quoter interface {
	QuoteExactIn(ctx context.Context, from, to common.Address, amountIn *big.Int) (chain.Quote, error)
	Router() common.Address
}

// RateProvider returns a live off-chain rate for payouts.
type RateProvider interface {
	Fresh(ctx context.Context, currency string) (ratecache.Entry, error)
}

// Options tune the orchestrator.
type Options struct {
	BaseAsset    string
	PrimaryPairs []string
	// Tolerances are fractions, e.g. 0.02 for 2%.
	PrimarySlippage     decimal.Decimal
	DefaultSlippage     decimal.Decimal
	RelaxedSlippage     decimal.Decimal
	Deadline            time.Duration
	ConfirmationTimeout time.Duration
	RecheckDelay        time.Duration
	Gateway             common.Address
	LedgerRetries       int
	LedgerRetryDelay    time.Duration
	Metrics             *metrics.Metrics
}

// OptionsFromConfig maps configuration onto orchestrator options.
func OptionsFromConfig(cfg config.SettlementConfig, gateway string) Options {
	opts := Options{
		BaseAsset:           cfg.BaseAsset,
		PrimaryPairs:        cfg.PrimaryPairs,
		PrimarySlippage:     decimal.NewFromFloat(cfg.PrimarySlippage),
		DefaultSlippage:     decimal.NewFromFloat(cfg.DefaultSlippage),
		RelaxedSlippage:     decimal.NewFromFloat(cfg.RelaxedSlippage),
		Deadline:            cfg.Deadline,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		RecheckDelay:        cfg.RecheckDelay,
	}
	if common.IsHexAddress(gateway) {
		opts.Gateway = common.HexToAddress(gateway)
	}
	return opts
}

func (o Options) withDefaults() Options {
	if o.BaseAsset == "" {
		o.BaseAsset = "USDC"
	}
	if !o.PrimarySlippage.IsPositive() {
		o.PrimarySlippage = decimal.RequireFromString("0.02")
	}
	if !o.DefaultSlippage.IsPositive() {
		o.DefaultSlippage = decimal.RequireFromString("0.05")
	}
	if !o.RelaxedSlippage.IsPositive() {
		o.RelaxedSlippage = decimal.RequireFromString("0.15")
	}
	if o.Deadline <= 0 {
		o.Deadline = 10 * time.Minute
	}
	if o.ConfirmationTimeout <= 0 {
		o.ConfirmationTimeout = 120 * time.Second
	}
	if o.RecheckDelay < 0 {
		o.RecheckDelay = 0
	}
	if o.LedgerRetries <= 0 {
		o.LedgerRetries = 3
	}
	if o.LedgerRetryDelay <= 0 {
		o.LedgerRetryDelay = 200 * time.Millisecond
	}
	return o
}

// Orchestrator drives intents through quote, allowance, submission, confirmation,
// ledger update and notification.
type Orchestrator struct {
	signer   signer.Signer
	quoter   Quoter
	rates    RateProvider
	registry *chain.Registry
	store    ledger.Store
	sink     alerting.Sink
	opts     Options
	primary  map[string]struct{}
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New constructs an orchestrator. quoter may be nil when swaps are not used,
// rates may be nil when payouts are not used and sink may be nil to skip notifications.
func New(s signer.Signer, quoter Quoter, rates RateProvider, registry *chain.Registry, store ledger.Store, sink alerting.Sink, opts Options, logger zerolog.Logger) *Orchestrator {
	opts = opts.withDefaults()
	if sink == nil {
		sink = alerting.Discard{}
	}
	primary := make(map[string]struct{}, len(opts.PrimaryPairs))
	for _, pair := range opts.PrimaryPairs {
		primary[strings.ToUpper(strings.TrimSpace(pair))] = struct{}{}
	}
	return &Orchestrator{
		signer:   s,
		quoter:   quoter,
		rates:    rates,
		registry: registry,
		store:    store,
		sink:     sink,
		opts:     opts,
		primary:  primary,
		logger:   logger.With().Str("component", "settlement").Logger(),
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// plan is a validated intent with resolved tokens and addresses.
type plan struct {
	intent     Intent
	wallet     common.Address
	from       chain.Token
	to         chain.Token
	recipient  common.Address
	atoms      *big.Int
	spender    common.Address
	needsSpend bool
	deadline   time.Time
	fee        *feePlan
}

type feePlan struct {
	token     chain.Token
	atoms     *big.Int
	collector common.Address
}

// quoted is the expected output of the primary call.
type quoted struct {
	expected decimal.Decimal
	path     []common.Address
}

// Execute runs the intent to a terminal state or to AwaitingConfirmation. Errors before
// the broadcast never write a ledger row; once broadcast the work is detached from ctx.
func (o *Orchestrator) Execute(ctx context.Context, in Intent) (res Result, err error) {
	res.State = StatePreparing
	defer func() {
		o.metrics.ObserveSettlement(string(in.Kind), string(res.State))
	}()

	p, err := o.prepare(in)
	if err != nil {
		res.State = StateFailed
		return res, err
	}
	log := o.logger.With().Str("kind", string(in.Kind)).Str("owner", in.OwnerID).Str("from", p.from.Symbol).Logger()

	balance, err := o.signer.ReadBalance(ctx, p.wallet, p.from.Address)
	if err != nil {
		res.State = StateFailed
		return res, fmt.Errorf("read balance: %w", err)
	}
	if balance.Cmp(p.atoms) < 0 {
		res.State = StateFailed
		return res, fmt.Errorf("%w: have %s, need %s %s", ErrInsufficientBalance, p.from.FromAtoms(balance), in.Amount, p.from.Symbol)
	}

	res.State = StateSubmitting
	if p.needsSpend {
		approval, err := o.ensureAllowance(ctx, p.wallet, p.spender, p.from, p.atoms)
		res.ApprovalTx = approval
		if err != nil {
			res.State = StateFailed
			return res, fmt.Errorf("approve %s: %w", p.from.Symbol, err)
		}
	}

	txID, attempts, err := o.submitPrimary(ctx, p, log)
	res.Attempts = attempts
	if err != nil {
		res.State = StateFailed
		return res, err
	}
	res.TxIdentifier = txID
	res.State = StateAwaitingConfirmation
	log = log.With().Str("tx", txID).Logger()
	log.Info().Int("attempts", attempts).Msg("primary call broadcast")

	return o.settle(context.WithoutCancel(ctx), p, res, log)
}

func (o *Orchestrator) prepare(in Intent) (*plan, error) {
	if _, err := ParseKind(string(in.Kind)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, &ValidationError{Field: "ownerId", Reason: "is required"}
	}
	if !in.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if in.MinimumOutput.IsNegative() {
		return nil, &ValidationError{Field: "minimumOutput", Reason: "must not be negative"}
	}

	connected := o.signer.Address()
	if connected == (common.Address{}) {
		return nil, &ValidationError{Field: "wallet", Reason: "no wallet connected", Err: signer.ErrNotConnected}
	}
	if !common.IsHexAddress(in.Wallet) || common.HexToAddress(in.Wallet) != connected {
		return nil, &ValidationError{Field: "wallet", Reason: fmt.Sprintf("must equal the connected wallet %s", connected.Hex())}
	}

	from, err := o.registry.Lookup(in.FromAsset)
	if err != nil {
		return nil, &ValidationError{Field: "fromAsset", Reason: err.Error(), Err: err}
	}
	p := &plan{intent: in, wallet: connected, from: from}

	p.atoms = from.ToAtoms(in.Amount)
	if p.atoms.Sign() <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: fmt.Sprintf("below the smallest unit of %s", from.Symbol)}
	}

	switch in.Kind {
	case KindTransfer:
		if !common.IsHexAddress(in.Recipient) {
			return nil, &ValidationError{Field: "recipient", Reason: "must be a hex address"}
		}
		p.recipient = common.HexToAddress(in.Recipient)
	case KindSwap:
		if o.quoter == nil {
			return nil, &ValidationError{Field: "kind", Reason: "swaps are not configured"}
		}
		to, err := o.registry.Lookup(in.ToAsset)
		if err != nil {
			return nil, &ValidationError{Field: "toAsset", Reason: err.Error(), Err: err}
		}
		if to.Address == from.Address {
			return nil, &ValidationError{Field: "toAsset", Reason: "must differ from fromAsset"}
		}
		p.to = to
		p.recipient = connected
		if in.Recipient != "" {
			if !common.IsHexAddress(in.Recipient) {
				return nil, &ValidationError{Field: "recipient", Reason: "must be a hex address"}
			}
			p.recipient = common.HexToAddress(in.Recipient)
		}
		p.spender = o.quoter.Router()
		p.needsSpend = true
	case KindPayout:
		if o.rates == nil || o.opts.Gateway == (common.Address{}) {
			return nil, &ValidationError{Field: "kind", Reason: "payouts are not configured"}
		}
		if !isCurrencyCode(in.ToAsset) {
			return nil, &ValidationError{Field: "toAsset", Reason: "must be a three letter currency code"}
		}
		if strings.TrimSpace(in.Recipient) == "" {
			return nil, &ValidationError{Field: "recipient", Reason: "beneficiary reference is required"}
		}
		p.spender = o.opts.Gateway
		p.needsSpend = true
	}

	now := o.now()
	p.deadline = in.Deadline
	if p.deadline.IsZero() {
		p.deadline = now.Add(o.opts.Deadline)
	} else if !p.deadline.After(now) {
		return nil, &ValidationError{Field: "deadline", Reason: "must be in the future"}
	}

	if in.Fee != nil {
		if !in.Fee.Amount.IsPositive() {
			return nil, &ValidationError{Field: "fee.amount", Reason: "must be greater than zero"}
		}
		if !common.IsHexAddress(in.Fee.Collector) {
			return nil, &ValidationError{Field: "fee.collector", Reason: "must be a hex address"}
		}
		base, err := o.registry.Lookup(o.opts.BaseAsset)
		if err != nil {
			return nil, &ValidationError{Field: "fee", Reason: fmt.Sprintf("base asset: %v", err), Err: err}
		}
		p.fee = &feePlan{token: base, atoms: base.ToAtoms(in.Fee.Amount), collector: common.HexToAddress(in.Fee.Collector)}
	}
	return p, nil
}

func isCurrencyCode(v string) bool {
	if len(v) != 3 {
		return false
	}
	for _, r := range strings.ToUpper(v) {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ensureAllowance approves exactly amount for spender unless the allowance already covers it.
func (o *Orchestrator) ensureAllowance(ctx context.Context, owner, spender common.Address, token chain.Token, amount *big.Int) (string, error) {
	allowance, err := o.signer.ReadAllowance(ctx, owner, spender, token.Address)
	if err != nil {
		return "", fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		o.logger.Debug().Str("token", token.Symbol).Str("spender", spender.Hex()).Msg("allowance sufficient; approval skipped")
		return "", nil
	}

	data, err := chain.PackApprove(spender, amount)
	if err != nil {
		return "", err
	}
	txID, err := submitted(o.signer.SubmitCall(ctx, signer.Call{To: token.Address, Data: data, Method: "approve"}))
	if err != nil {
		return "", signer.Classify(err)
	}

	receipt, pending, err := o.awaitReceipt(ctx, txID)
	switch {
	case err != nil:
		return txID, err
	case pending:
		return txID, fmt.Errorf("approval %s: %w", txID, signer.ErrConfirmationTimeout)
	case !receipt.Success:
		return txID, fmt.Errorf("approval %s: %w", txID, signer.ErrReverted)
	}

	allowance, err = o.signer.ReadAllowance(ctx, owner, spender, token.Address)
	if err != nil {
		return txID, fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		return txID, ErrInsufficientAllowance
	}
	return txID, nil
}

// tolerance returns the slippage fraction for the intent's pair.
func (o *Orchestrator) tolerance(in Intent) decimal.Decimal {
	from := strings.ToUpper(in.FromAsset)
	to := strings.ToUpper(in.ToAsset)
	if _, ok := o.primary[from+"/"+to]; ok {
		return o.opts.PrimarySlippage
	}
	if _, ok := o.primary[to+"/"+from]; ok {
		return o.opts.PrimarySlippage
	}
	return o.opts.DefaultSlippage
}

// quote fetches the expected output right before a primary submission.
func (o *Orchestrator) quote(ctx context.Context, p *plan) (quoted, error) {
	in := p.intent
	var q quoted
	switch in.Kind {
	case KindSwap:
		route, err := o.quoter.QuoteExactIn(ctx, p.from.Address, p.to.Address, p.atoms)
		if err != nil {
			return q, fmt.Errorf("quote %s->%s: %w", p.from.Symbol, p.to.Symbol, err)
		}
		q.expected = p.to.FromAtoms(route.AmountOut)
		q.path = route.Path
	case KindPayout:
		entry, err := o.rates.Fresh(ctx, in.ToAsset)
		if err != nil {
			return q, fmt.Errorf("rate %s: %w", in.ToAsset, err)
		}
		q.expected = in.Amount.Mul(entry.Rate)
	default:
		q.expected = in.Amount
	}
	if in.MinimumOutput.IsPositive() && q.expected.LessThan(in.MinimumOutput) {
		return q, fmt.Errorf("%w: quoted %s, agreed %s", ErrPriceMoved, q.expected, in.MinimumOutput)
	}
	return q, nil
}

// submitPrimary re-quotes and submits the primary call. A slippage failure gets
// exactly one retry at the relaxed tolerance.
func (o *Orchestrator) submitPrimary(ctx context.Context, p *plan, log zerolog.Logger) (string, int, error) {
	tol := o.tolerance(p.intent)
	attempts := 0
	for {
		q, err := o.quote(ctx, p)
		if err != nil {
			return "", attempts, err
		}
		call, err := o.buildPrimary(p, q, tol)
		if err != nil {
			return "", attempts, err
		}

		attempts++
		txID, err := o.signer.SubmitCall(ctx, call)
		if err == nil {
			return txID, attempts, nil
		}
		if id, ok := signer.AcceptedID(err); ok {
			log.Warn().Err(err).Str("tx", id).Msg("primary call accepted before its hash was known; tracking stand-in id")
			return id, attempts, nil
		}
		err = signer.Classify(err)
		if p.intent.Kind != KindTransfer && attempts == 1 && errors.Is(err, signer.ErrSlippageExceeded) {
			o.metrics.ObserveSlippageRetry()
			log.Warn().Err(err).Str("tolerance", o.opts.RelaxedSlippage.String()).Msg("slippage exceeded; retrying with relaxed tolerance")
			tol = o.opts.RelaxedSlippage
			continue
		}
		return "", attempts, fmt.Errorf("submit %s: %w", call.Method, err)
	}
}

func (o *Orchestrator) buildPrimary(p *plan, q quoted, tol decimal.Decimal) (signer.Call, error) {
	in := p.intent
	minOut := decimal.Max(in.MinimumOutput, q.expected.Mul(decimal.NewFromInt(1).Sub(tol)))

	switch in.Kind {
	case KindTransfer:
		data, err := chain.PackTransfer(p.recipient, p.atoms)
		return signer.Call{To: p.from.Address, Data: data, Method: "transfer"}, err
	case KindSwap:
		data, err := chain.PackSwapExactIn(p.atoms, p.to.ToAtoms(minOut), q.path, p.recipient, p.deadline.Unix())
		return signer.Call{To: p.spender, Data: data, Method: "swapExactTokensForTokens"}, err
	default:
		minRate := minOut.Div(in.Amount).Shift(18).Truncate(0).BigInt()
		data, err := chain.PackCreateOrder(p.from.Address, p.atoms, minRate, p.wallet, orderReference(in))
		return signer.Call{To: p.spender, Data: data, Method: "createOrder"}, err
	}
}

// orderReference hashes the order reference, or the beneficiary when none is given.
func orderReference(in Intent) [32]byte {
	ref := in.OrderRef
	if ref == "" {
		ref = in.Recipient
	}
	return crypto.Keccak256Hash([]byte(ref))
}

// awaitReceipt waits the confirmation window, then rechecks once after the recheck delay.
// pending is true when neither lookup found a receipt.
func (o *Orchestrator) awaitReceipt(ctx context.Context, txID string) (*signer.Receipt, bool, error) {
	receipt, err := o.signer.WaitForConfirmation(ctx, txID, o.opts.ConfirmationTimeout)
	if err == nil {
		return receipt, false, nil
	}
	if !errors.Is(err, signer.ErrConfirmationTimeout) {
		return nil, false, err
	}

	if o.opts.RecheckDelay > 0 {
		timer := time.NewTimer(o.opts.RecheckDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}
	}
	receipt, err = o.signer.Receipt(ctx, txID)
	switch {
	case err == nil:
		return receipt, false, nil
	case errors.Is(err, signer.ErrReceiptNotFound):
		return nil, true, nil
	default:
		return nil, false, err
	}
}

// settle records, confirms and finalises a broadcast call. ctx is already detached.
func (o *Orchestrator) settle(ctx context.Context, p *plan, res Result, log zerolog.Logger) (Result, error) {
	in := p.intent
	rec := ledger.PaymentRecord{
		OwnerID:       in.OwnerID,
		WalletAddress: p.wallet.Hex(),
		Amount:        in.Amount,
		CurrencyCode:  p.from.Symbol,
		Status:        ledger.StatusPending,
		TxIdentifier:  optional(res.TxIdentifier),
		Recipient:     optional(o.counterpart(p)),
		OrderRef:      optional(in.OrderRef),
	}
	stored, created, err := o.createRecord(ctx, rec)
	if err != nil {
		log.Error().Err(err).Msg("ledger write failed after broadcast")
		res.Warnings = append(res.Warnings, fmt.Sprintf("ledger create: %v", err))
	} else {
		res.Record = &stored
		if !created {
			log.Info().Str("status", string(stored.Status)).Msg("ledger row already exists for transaction")
		}
	}

	receipt, pending, err := o.awaitReceipt(ctx, res.TxIdentifier)
	if err != nil || pending {
		if err != nil {
			log.Warn().Err(err).Msg("receipt lookup failed; leaving pending")
		}
		perr := &PendingError{TxIdentifier: res.TxIdentifier, Waited: o.opts.ConfirmationTimeout + o.opts.RecheckDelay}
		res.Warnings = append(res.Warnings, perr.Error())
		return res, perr
	}

	final := ledger.StatusCompleted
	if !receipt.Success {
		final = ledger.StatusFailed
	}
	if res.Record == nil {
		// The pending write never landed; record the outcome directly.
		rec.Status = final
		if stored, _, err := o.createRecord(ctx, rec); err == nil {
			res.Record = &stored
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("ledger create: %v", err))
		}
	} else if res.Record.Status == ledger.StatusPending {
		res.Record, res.Warnings = o.finalise(ctx, res.TxIdentifier, final, res.Record, res.Warnings, log)
	}

	if receipt.Success && p.fee != nil {
		feeTx, err := o.collectFee(ctx, p)
		res.FeeTx = feeTx
		if err != nil {
			log.Warn().Err(err).Msg("fee collection failed")
			res.Warnings = append(res.Warnings, fmt.Sprintf("fee collection: %v", err))
		}
	}

	status := final
	if res.Record != nil {
		status = res.Record.Status
	}
	o.notify(p, res.TxIdentifier, status)

	if !receipt.Success {
		res.State = StateFailed
		return res, fmt.Errorf("%s %s: %w", in.Kind, res.TxIdentifier, signer.ErrReverted)
	}
	res.State = StateConfirmed
	log.Info().Str("status", string(status)).Msg("settlement confirmed")
	return res, nil
}

// finalise moves the pending row to final. When the conditional update matches
// nothing another writer won; the stored row is re-read and reported.
func (o *Orchestrator) finalise(ctx context.Context, txID string, final ledger.Status, current *ledger.PaymentRecord, warnings []string, log zerolog.Logger) (*ledger.PaymentRecord, []string) {
	updated, err := o.store.UpdateByIdentifier(ctx, txID, ledger.StatusPending, ledger.StatusUpdate(final))
	switch {
	case err == nil:
		o.metrics.ObserveLedgerWrite("update", "ok")
		return &updated, warnings
	case errors.Is(err, ledger.ErrNotFound):
		o.metrics.ObserveLedgerWrite("update", "not_found")
		stored, gerr := o.store.GetByIdentifier(ctx, txID)
		if gerr != nil {
			return current, append(warnings, fmt.Sprintf("ledger reread: %v", gerr))
		}
		log.Info().Str("status", string(stored.Status)).Msg("row already finalised by another writer")
		return &stored, warnings
	case errors.Is(err, ledger.ErrConflict):
		o.metrics.ObserveLedgerWrite("update", "conflict")
		log.Error().Err(err).Msg("conflicting ledger rows for transaction")
		return current, append(warnings, fmt.Sprintf("ledger update: %v", err))
	default:
		o.metrics.ObserveLedgerWrite("update", "error")
		log.Error().Err(err).Msg("ledger update failed")
		return current, append(warnings, fmt.Sprintf("ledger update: %v", err))
	}
}

// createRecord retries transient ledger failures; create is idempotent on the tx identifier.
func (o *Orchestrator) createRecord(ctx context.Context, rec ledger.PaymentRecord) (ledger.PaymentRecord, bool, error) {
	type outcome struct {
		rec     ledger.PaymentRecord
		created bool
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.opts.LedgerRetryDelay

	out, err := backoff.Retry(ctx, func() (outcome, error) {
		stored, created, err := o.store.Create(ctx, rec)
		if errors.Is(err, ledger.ErrInvalidRecord) || errors.Is(err, ledger.ErrConflict) {
			return outcome{}, backoff.Permanent(err)
		}
		return outcome{stored, created}, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(o.opts.LedgerRetries+1)),
	)
	if err != nil {
		o.metrics.ObserveLedgerWrite("create", "error")
		return ledger.PaymentRecord{}, false, err
	}
	o.metrics.ObserveLedgerWrite("create", "ok")
	return out.rec, out.created, nil
}

// collectFee approves the exact fee for the collector and calls collect.
func (o *Orchestrator) collectFee(ctx context.Context, p *plan) (string, error) {
	fee := p.fee
	data, err := chain.PackApprove(fee.collector, fee.atoms)
	if err != nil {
		return "", err
	}
	approveTx, err := submitted(o.signer.SubmitCall(ctx, signer.Call{To: fee.token.Address, Data: data, Method: "approve"}))
	if err != nil {
		return "", fmt.Errorf("approve fee: %w", signer.Classify(err))
	}
	if err := o.requireSuccess(ctx, approveTx); err != nil {
		return "", fmt.Errorf("approve fee: %w", err)
	}

	data, err = chain.PackCollect(fee.token.Address, fee.atoms)
	if err != nil {
		return "", err
	}
	collectTx, err := submitted(o.signer.SubmitCall(ctx, signer.Call{To: fee.collector, Data: data, Method: "collect"}))
	if err != nil {
		return "", fmt.Errorf("collect fee: %w", signer.Classify(err))
	}
	if err := o.requireSuccess(ctx, collectTx); err != nil {
		return collectTx, fmt.Errorf("collect fee: %w", err)
	}
	return collectTx, nil
}

// submitted treats an accepted-but-unhashed call as sent under its stand-in id.
func submitted(txID string, err error) (string, error) {
	if id, ok := signer.AcceptedID(err); ok {
		return id, nil
	}
	return txID, err
}

func (o *Orchestrator) requireSuccess(ctx context.Context, txID string) error {
	receipt, pending, err := o.awaitReceipt(ctx, txID)
	switch {
	case err != nil:
		return err
	case pending:
		return fmt.Errorf("%s: %w", txID, signer.ErrConfirmationTimeout)
	case !receipt.Success:
		return fmt.Errorf("%s: %w", txID, signer.ErrReverted)
	}
	return nil
}

func (o *Orchestrator) counterpart(p *plan) string {
	if p.intent.Kind == KindPayout {
		return p.intent.Recipient
	}
	return p.recipient.Hex()
}

func (o *Orchestrator) notify(p *plan, txID string, status ledger.Status) {
	in := p.intent
	message := fmt.Sprintf("%s of %s %s %s", in.Kind, in.Amount, p.from.Symbol, status)
	if in.Kind == KindSwap || in.Kind == KindPayout {
		message = fmt.Sprintf("%s of %s %s to %s %s", in.Kind, in.Amount, p.from.Symbol, strings.ToUpper(in.ToAsset), status)
	}
	o.sink.Emit(alerting.Notification{
		OwnerID:      in.OwnerID,
		Message:      message,
		TxIdentifier: txID,
		Status:       string(status),
		Amount:       in.Amount,
		Currency:     p.from.Symbol,
		Counterpart:  o.counterpart(p),
	})
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
