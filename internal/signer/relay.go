package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"stablepay/internal/chain"
	"stablepay/internal/version"
)

// RelayOptions configure the smart-wallet relay signer.
type RelayOptions struct {
	URL           string
	APIKey        string
	Wallet        common.Address
	Timeout       time.Duration
	PollInterval  time.Duration
	SubmitTimeout time.Duration
	// ReceiptPoll is the interval used while waiting for on-chain confirmation.
	ReceiptPoll time.Duration
}

// Relay submits calls through a smart-wallet relay service; reads and receipts
// go straight to the chain.
type Relay struct {
	backend chain.Backend
	opts    RelayOptions
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewRelay builds a relay signer for opts.Wallet.
func NewRelay(backend chain.Backend, opts RelayOptions, logger zerolog.Logger) (*Relay, error) {
	if backend == nil {
		return nil, errors.New("ethereum backend is required")
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("%w: signer.relay_url not configured", ErrNotConnected)
	}
	if opts.Wallet == (common.Address{}) {
		return nil, fmt.Errorf("%w: signer.wallet not configured", ErrNotConnected)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = time.Minute
	}

	return &Relay{
		backend: backend,
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: strings.TrimRight(opts.URL, "/"),
		logger:  logger.With().Str("component", "relay_signer").Str("wallet", opts.Wallet.Hex()).Logger(),
	}, nil
}

// Address implements Signer.
func (r *Relay) Address() common.Address {
	return r.opts.Wallet
}

// ReadBalance implements Signer.
func (r *Relay) ReadBalance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	return chain.BalanceOf(ctx, r.backend, token, owner)
}

// ReadAllowance implements Signer.
func (r *Relay) ReadAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error) {
	return chain.Allowance(ctx, r.backend, token, owner, spender)
}

type relayCallRequest struct {
	Wallet string `json:"wallet"`
	To     string `json:"to"`
	Data   string `json:"data"`
	Method string `json:"method,omitempty"`
}

type relayCallResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	TxHash string `json:"txHash"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// SubmitCall posts the call to the relay and waits until it reports a transaction hash.
func (r *Relay) SubmitCall(ctx context.Context, call Call) (string, error) {
	body, err := json.Marshal(relayCallRequest{
		Wallet: r.opts.Wallet.Hex(),
		To:     call.To.Hex(),
		Data:   hexutil.Encode(call.Data),
		Method: call.Method,
	})
	if err != nil {
		return "", fmt.Errorf("marshal relay request: %w", err)
	}

	var created relayCallResponse
	if err := r.do(ctx, http.MethodPost, r.baseURL+"/v1/calls", body, &created); err != nil {
		return "", err
	}
	if txID, done, err := r.interpret(created); done && !errors.Is(err, errMissingTxHash) {
		return txID, err
	}
	if created.TaskID == "" {
		return "", errors.New("relay response missing taskId")
	}

	// From here on the relay owns the call. Failing to learn the hash only
	// hands back a task-backed identifier, never an error that reads as "not sent".
	accepted := func(reason string) error {
		r.logger.Warn().Str("task", created.TaskID).Str("method", call.Method).Str("reason", reason).Msg("relayed call accepted without txHash")
		return &AcceptedError{TxID: taskTxID(created.TaskID), Reason: reason}
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.opts.SubmitTimeout)
	defer cancel()

	txID, done, err := r.pollTask(pollCtx, created.TaskID)
	if done && !errors.Is(err, errMissingTxHash) {
		if err != nil {
			return "", err
		}
		r.logger.Info().Str("tx", txID).Str("task", created.TaskID).Str("method", call.Method).Msg("relayed call submitted")
		return txID, nil
	}
	switch {
	case ctx.Err() != nil:
		return "", accepted("caller cancelled before submission was reported")
	case errors.Is(err, errRelayPending) || pollCtx.Err() != nil:
		return "", accepted(fmt.Sprintf("not submitted within %s", r.opts.SubmitTimeout))
	default:
		return "", accepted(err.Error())
	}
}

// taskPrefix marks identifiers that name a relay task instead of a transaction hash.
const taskPrefix = "relay:"

func taskTxID(taskID string) string { return taskPrefix + taskID }

// pollTask polls the task until it reaches a final outcome or ctx ends.
// done is false when the task was still pending at that point.
func (r *Relay) pollTask(ctx context.Context, taskID string) (string, bool, error) {
	endpoint := r.baseURL + "/v1/calls/" + url.PathEscape(taskID)
	type outcome struct {
		txID string
		err  error
	}
	res, err := backoff.Retry(ctx, func() (outcome, error) {
		var task relayCallResponse
		if err := r.do(ctx, http.MethodGet, endpoint, nil, &task); err != nil {
			if isPermanentRelayErr(err) {
				return outcome{}, backoff.Permanent(err)
			}
			return outcome{}, err
		}
		txID, done, err := r.interpret(task)
		if !done {
			return outcome{}, errRelayPending
		}
		return outcome{txID: txID, err: err}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.opts.PollInterval)),
		backoff.WithMaxElapsedTime(r.opts.SubmitTimeout),
	)
	if err != nil {
		return "", false, err
	}
	return res.txID, true, res.err
}

// taskReceipt resolves a task-backed identifier with a single task lookup.
func (r *Relay) taskReceipt(ctx context.Context, txID string) (*Receipt, error) {
	taskID := strings.TrimPrefix(txID, taskPrefix)
	var task relayCallResponse
	if err := r.do(ctx, http.MethodGet, r.baseURL+"/v1/calls/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, fmt.Errorf("lookup relay task %s: %w", taskID, err)
	}
	hash, done, err := r.interpret(task)
	switch {
	case !done || errors.Is(err, errMissingTxHash):
		return nil, ErrReceiptNotFound
	case err != nil:
		r.logger.Warn().Err(err).Str("task", taskID).Msg("relay task ended without submission")
		return &Receipt{TxID: txID, Success: false}, nil
	}
	return lookupReceipt(ctx, r.backend, hash)
}

var (
	errRelayPending  = errors.New("relay task pending")
	errMissingTxHash = errors.New("relay reported submission without txHash")
)

// interpret reports whether the task reached a final submission outcome.
func (r *Relay) interpret(task relayCallResponse) (string, bool, error) {
	switch strings.ToLower(task.Status) {
	case "submitted", "confirmed", "mined":
		if task.TxHash == "" {
			return "", true, errMissingTxHash
		}
		return task.TxHash, true, nil
	case "rejected", "cancelled", "denied":
		return "", true, fmt.Errorf("%w: %s", ErrUserRejected, firstNonEmpty(task.Reason, task.Status))
	case "failed", "reverted":
		return "", true, Classify(fmt.Errorf("relay call failed: %s", firstNonEmpty(task.Reason, task.Error, task.Status)))
	default:
		return "", false, nil
	}
}

type relayHTTPError struct {
	status int
	msg    string
}

func (e *relayHTTPError) Error() string {
	return fmt.Sprintf("relay error (%d): %s", e.status, e.msg)
}

func isPermanentRelayErr(err error) bool {
	var httpErr *relayHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.status >= 400 && httpErr.status < 500 && httpErr.status != http.StatusTooManyRequests
	}
	return errors.Is(err, ErrUserRejected) || errors.Is(err, ErrSlippageExceeded) || errors.Is(err, ErrNoLiquidity)
}

func (r *Relay) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create relay request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.opts.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send relay request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read relay response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr relayCallResponse
		msg := strings.TrimSpace(string(payload))
		if json.Unmarshal(payload, &apiErr) == nil {
			msg = firstNonEmpty(apiErr.Error, apiErr.Reason, msg)
		}
		return Classify(&relayHTTPError{status: resp.StatusCode, msg: msg})
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	return nil
}

// Receipt implements Signer. Task-backed identifiers from an accepted
// submission resolve through the relay first.
func (r *Relay) Receipt(ctx context.Context, txID string) (*Receipt, error) {
	if strings.HasPrefix(txID, taskPrefix) {
		return r.taskReceipt(ctx, txID)
	}
	return lookupReceipt(ctx, r.backend, txID)
}

// WaitForConfirmation implements Signer.
func (r *Relay) WaitForConfirmation(ctx context.Context, txID string, timeout time.Duration) (*Receipt, error) {
	return waitForReceipt(ctx, txID, func(ctx context.Context) (*Receipt, error) {
		return r.Receipt(ctx, txID)
	}, timeout, r.opts.ReceiptPoll)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ Signer = (*Relay)(nil)
