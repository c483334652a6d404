package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"stablepay/internal/chain"
)

var (
	// ErrNotConnected is returned when no wallet is available to sign.
	ErrNotConnected = errors.New("wallet not connected")
	// ErrUserRejected is returned when the wallet holder declines the request.
	ErrUserRejected = errors.New("user rejected request")
	// ErrSlippageExceeded is returned when the call would revert on its minimum output bound.
	ErrSlippageExceeded = errors.New("slippage exceeded")
	// ErrNoLiquidity is returned when the route has no usable liquidity.
	ErrNoLiquidity = chain.ErrNoLiquidity
	// ErrConfirmationTimeout is returned when no receipt arrived within the wait window.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrReceiptNotFound is returned by Receipt when the transaction is not yet mined.
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrReverted marks a mined transaction whose execution failed.
	ErrReverted = errors.New("transaction reverted")
	// ErrSubmissionPending marks a call the submitter accepted before a transaction hash was known.
	ErrSubmissionPending = errors.New("submission accepted, transaction hash pending")
)

// AcceptedError is returned by SubmitCall once the call has left this process but
// its transaction hash is still unknown. TxID is a stand-in identifier that the
// same signer's Receipt and WaitForConfirmation resolve.
type AcceptedError struct {
	TxID   string
	Reason string
}

func (e *AcceptedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrSubmissionPending, e.TxID, e.Reason)
}

func (e *AcceptedError) Unwrap() error { return ErrSubmissionPending }

// AcceptedID returns the stand-in identifier when err reports an accepted submission.
func AcceptedID(err error) (string, bool) {
	var accepted *AcceptedError
	if errors.As(err, &accepted) && accepted.TxID != "" {
		return accepted.TxID, true
	}
	return "", false
}

// Call is a contract call to sign and broadcast.
type Call struct {
	To     common.Address
	Data   []byte
	Method string
}

// Receipt is the confirmation outcome of a broadcast call.
type Receipt struct {
	TxID        string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// Signer reads token state for the connected wallet and submits calls on its behalf.
type Signer interface {
	Address() common.Address
	ReadBalance(ctx context.Context, owner, token common.Address) (*big.Int, error)
	ReadAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error)
	// SubmitCall returns an *AcceptedError when the call was handed off without a hash yet.
	SubmitCall(ctx context.Context, call Call) (string, error)
	// WaitForConfirmation polls for the receipt until timeout, returning ErrConfirmationTimeout.
	WaitForConfirmation(ctx context.Context, txID string, timeout time.Duration) (*Receipt, error)
	// Receipt performs a single lookup, returning ErrReceiptNotFound when not yet mined.
	Receipt(ctx context.Context, txID string) (*Receipt, error)
}

// Classify maps node, wallet and relay errors onto the domain sentinels.
// Unrecognised errors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSlippageExceeded) || errors.Is(err, ErrNoLiquidity) || errors.Is(err, ErrUserRejected) || errors.Is(err, ErrSubmissionPending) {
		return err
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 4001 {
		return fmt.Errorf("%w: %v", ErrUserRejected, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "user rejected", "user denied", "rejected by user", "action_rejected"):
		return fmt.Errorf("%w: %v", ErrUserRejected, err)
	case containsAny(msg, "insufficient_output_amount", "too little received", "slippage", "excessive_input_amount", "min return"):
		return fmt.Errorf("%w: %v", ErrSlippageExceeded, err)
	case containsAny(msg, "insufficient_liquidity", "invalid_path", "no liquidity", "pair not found"):
		return fmt.Errorf("%w: %v", ErrNoLiquidity, err)
	}
	return err
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func fromChainReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxID:    r.TxHash.Hex(),
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

type receiptLookup func(ctx context.Context) (*Receipt, error)

// waitForReceipt polls lookup at a constant interval until a receipt arrives or timeout elapses.
func waitForReceipt(ctx context.Context, txID string, lookup receiptLookup, timeout, poll time.Duration) (*Receipt, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := backoff.Retry(waitCtx, func() (*Receipt, error) {
		r, err := lookup(waitCtx)
		if errors.Is(err, errInvalidTxID) {
			return nil, backoff.Permanent(err)
		}
		return r, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(poll)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err == nil {
		return receipt, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitCtx.Err() != nil || errors.Is(err, ErrReceiptNotFound) {
		return nil, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, txID, timeout)
	}
	return nil, err
}
