package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"stablepay/internal/chain"
)

// DirectOptions tune the local-key signer.
type DirectOptions struct {
	ChainID      *big.Int
	PollInterval time.Duration
	// GasBufferPct is added on top of the node's gas estimate.
	GasBufferPct int
}

// Direct signs EIP-1559 transactions with a local private key.
type Direct struct {
	backend chain.Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	opts    DirectOptions
	logger  zerolog.Logger

	// mu serialises nonce allocation and broadcast
	mu      sync.Mutex
	chainID *big.Int
}

// NewDirect parses hexKey and builds a direct signer.
func NewDirect(backend chain.Backend, hexKey string, opts DirectOptions, logger zerolog.Logger) (*Direct, error) {
	if backend == nil {
		return nil, errors.New("ethereum backend is required")
	}
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("%w: signer.private_key not configured", ErrNotConnected)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if opts.GasBufferPct < 0 {
		opts.GasBufferPct = 0
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Direct{
		backend: backend,
		key:     key,
		from:    from,
		opts:    opts,
		chainID: opts.ChainID,
		logger:  logger.With().Str("component", "direct_signer").Str("address", from.Hex()).Logger(),
	}, nil
}

// Address implements Signer.
func (d *Direct) Address() common.Address {
	return d.from
}

// ReadBalance implements Signer.
func (d *Direct) ReadBalance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	return chain.BalanceOf(ctx, d.backend, token, owner)
}

// ReadAllowance implements Signer.
func (d *Direct) ReadAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error) {
	return chain.Allowance(ctx, d.backend, token, owner, spender)
}

// SubmitCall estimates, signs and broadcasts call. Estimation reverts are classified and nothing is sent.
func (d *Direct) SubmitCall(ctx context.Context, call Call) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	chainID, err := d.resolveChainID(ctx)
	if err != nil {
		return "", err
	}

	to := call.To
	gas, err := d.backend.EstimateGas(ctx, ethereum.CallMsg{From: d.from, To: &to, Data: call.Data})
	if err != nil {
		if classified := Classify(err); classified != err {
			return "", classified
		}
		return "", fmt.Errorf("estimate gas for %s: %w", call.Method, err)
	}
	gas += gas * uint64(d.opts.GasBufferPct) / 100

	nonce, err := d.backend.PendingNonceAt(ctx, d.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := d.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := d.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      call.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), d.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := d.backend.SendTransaction(ctx, signed); err != nil {
		return "", Classify(fmt.Errorf("send transaction: %w", err))
	}

	txID := signed.Hash().Hex()
	d.logger.Info().Str("tx", txID).Str("method", call.Method).Uint64("nonce", nonce).Msg("transaction broadcast")
	return txID, nil
}

// Receipt implements Signer.
func (d *Direct) Receipt(ctx context.Context, txID string) (*Receipt, error) {
	return lookupReceipt(ctx, d.backend, txID)
}

// WaitForConfirmation implements Signer.
func (d *Direct) WaitForConfirmation(ctx context.Context, txID string, timeout time.Duration) (*Receipt, error) {
	return waitForReceipt(ctx, txID, func(ctx context.Context) (*Receipt, error) {
		return d.Receipt(ctx, txID)
	}, timeout, d.opts.PollInterval)
}

func (d *Direct) resolveChainID(ctx context.Context) (*big.Int, error) {
	if d.chainID != nil && d.chainID.Sign() > 0 {
		return d.chainID, nil
	}
	id, err := d.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	d.chainID = id
	return id, nil
}

func lookupReceipt(ctx context.Context, backend chain.Backend, txID string) (*Receipt, error) {
	if !isTxHash(txID) {
		return nil, fmt.Errorf("%w %q", errInvalidTxID, txID)
	}
	r, err := backend.TransactionReceipt(ctx, common.HexToHash(txID))
	if errors.Is(err, ethereum.NotFound) || (err == nil && r == nil) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transaction receipt: %w", err)
	}
	return fromChainReceipt(r), nil
}

var errInvalidTxID = errors.New("invalid transaction id")

func isTxHash(v string) bool {
	v = strings.TrimPrefix(v, "0x")
	if len(v) != 64 {
		return false
	}
	for _, c := range v {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

var _ Signer = (*Direct)(nil)
