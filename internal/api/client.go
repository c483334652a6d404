package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stablepay/internal/ledger"
)

// ClientOptions configure the remote ledger client.
type ClientOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Client is a ledger.Store backed by a remote ledger API.
type Client struct {
	opts   ClientOptions
	http   *http.Client
	logger zerolog.Logger
}

// NewClient constructs a remote ledger client.
func NewClient(opts ClientOptions, logger zerolog.Logger) (*Client, error) {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("ledger api base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parse ledger api url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "ledger_client").Logger(),
	}, nil
}

// Create implements ledger.Store.
func (c *Client) Create(ctx context.Context, rec ledger.PaymentRecord) (ledger.PaymentRecord, bool, error) {
	var out ledger.PaymentRecord
	status, err := c.do(ctx, http.MethodPost, "/v1/payments", nil, rec, &out)
	if err != nil {
		return ledger.PaymentRecord{}, false, err
	}
	return out, status == http.StatusCreated, nil
}

// UpdateByIdentifier implements ledger.Store.
func (c *Client) UpdateByIdentifier(ctx context.Context, txID string, expected ledger.Status, upd ledger.Update) (ledger.PaymentRecord, error) {
	body := updateRequest{ExpectedStatus: expected, Status: upd.Status, Recipient: upd.Recipient, OrderRef: upd.OrderRef}
	var out ledger.PaymentRecord
	if _, err := c.do(ctx, http.MethodPatch, "/v1/payments/"+url.PathEscape(txID), nil, body, &out); err != nil {
		return ledger.PaymentRecord{}, err
	}
	return out, nil
}

// GetByIdentifier implements ledger.Store.
func (c *Client) GetByIdentifier(ctx context.Context, txID string) (ledger.PaymentRecord, error) {
	var out ledger.PaymentRecord
	if _, err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(txID), nil, nil, &out); err != nil {
		return ledger.PaymentRecord{}, err
	}
	return out, nil
}

// QueryByOwner implements ledger.Store.
func (c *Client) QueryByOwner(ctx context.Context, ownerID string, f ledger.Filter) ([]ledger.PaymentRecord, error) {
	q := url.Values{}
	q.Set("ownerId", ownerID)
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Currency != "" {
		q.Set("currency", f.Currency)
	}
	if f.From != nil {
		q.Set("from", f.From.UTC().Format(time.RFC3339Nano))
	}
	if f.To != nil {
		q.Set("to", f.To.UTC().Format(time.RFC3339Nano))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	var out listResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/payments", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// ListPending implements ledger.Store.
func (c *Client) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]ledger.PaymentRecord, error) {
	q := url.Values{}
	q.Set("olderThan", olderThan.UTC().Format(time.RFC3339Nano))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out listResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/payments/pending", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Close implements the closer used by the app wiring.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (int, error) {
	endpoint := c.opts.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ledger api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, requestLimit))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, parseAPIError(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// parseAPIError maps API error bodies back onto ledger sentinels.
func parseAPIError(status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	msg := body.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	switch body.Error {
	case codeNotFound:
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, msg)
	case codeConflict:
		return fmt.Errorf("%w: %s", ledger.ErrConflict, msg)
	case codeInvalidTransition:
		return fmt.Errorf("%w: %s", ledger.ErrInvalidTransition, msg)
	case codeInvalid:
		return fmt.Errorf("%w: %s", ledger.ErrInvalidRecord, msg)
	}
	return fmt.Errorf("ledger api responded %d: %s", status, msg)
}

var _ ledger.Store = (*Client)(nil)
