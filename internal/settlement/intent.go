package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stablepay/internal/ledger"
	"stablepay/internal/signer"
)

// Kind selects the primary contract call of an intent.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindSwap     Kind = "swap"
	KindPayout   Kind = "payout"
)

// ParseKind normalises a kind string.
func ParseKind(v string) (Kind, error) {
	switch k := Kind(v); k {
	case KindTransfer, KindSwap, KindPayout:
		return k, nil
	}
	return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", v)}
}

// FeeSpec is a service fee paid in the base settlement asset after the primary call confirms.
type FeeSpec struct {
	Amount    decimal.Decimal
	Collector string
}

// Intent describes one settlement requested by a wallet holder.
type Intent struct {
	Kind    Kind
	OwnerID string
	Wallet  string
	// FromAsset is a registered token symbol.
	FromAsset string
	// ToAsset is a token symbol for swaps or an off-chain currency code for payouts.
	ToAsset string
	// Recipient is an address for transfers and swaps, a beneficiary reference for payouts.
	Recipient     string
	Amount        decimal.Decimal
	MinimumOutput decimal.Decimal
	Deadline      time.Time
	OrderRef      string
	Fee           *FeeSpec
}

// State is a step of the settlement state machine.
type State string

const (
	StatePreparing            State = "preparing"
	StateSubmitting           State = "submitting"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateConfirmed            State = "confirmed"
	StateFailed               State = "failed"
)

// Result reports how far an intent got.
type Result struct {
	State        State
	TxIdentifier string
	ApprovalTx   string
	FeeTx        string
	// Attempts counts primary call submissions.
	Attempts int
	Record   *ledger.PaymentRecord
	Warnings []string
}

var (
	// ErrInsufficientBalance is returned when the wallet holds less than the intent amount.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientAllowance is returned when a confirmed approval still left the allowance short.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	// ErrPriceMoved is returned when the fresh quote falls below the agreed minimum output.
	ErrPriceMoved = errors.New("price moved below agreed minimum")
)

// ValidationError rejects an intent before any network call.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intent: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// PendingError reports a broadcast transaction whose outcome is still unknown.
// The ledger row stays pending and the reconciler settles it later.
type PendingError struct {
	TxIdentifier string
	Waited       time.Duration
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("transaction %s still pending after %s", e.TxIdentifier, e.Waited)
}

func (e *PendingError) Unwrap() error {
	return signer.ErrConfirmationTimeout
}

// IsWarning reports whether err leaves the settlement in flight rather than failed.
func IsWarning(err error) bool {
	var pending *PendingError
	return errors.As(err, &pending)
}
