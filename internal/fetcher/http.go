package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxResponseBytes = 1 << 20

// HTTPOptions parameterise the pricing service client.
type HTTPOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// HTTPSource fetches rates from the REST pricing service.
type HTTPSource struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPSource constructs a pricing service adapter.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPSource{
		opts:    opts,
		logger:  logger.With().Str("component", "rate_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchRate requests GET {base}/rates/{base}/{amount}/{currency}.
func (s *HTTPSource) FetchRate(ctx context.Context, base string, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	if s.baseURL == "" {
		return decimal.Decimal{}, unavailable(currency, "pricing base url not configured", nil)
	}
	if base == "" || currency == "" {
		return decimal.Decimal{}, errors.New("base asset and currency are required")
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, errors.New("amount must be greater than zero")
	}

	endpoint := fmt.Sprintf("%s/rates/%s/%s/%s",
		s.baseURL,
		url.PathEscape(strings.ToUpper(base)),
		url.PathEscape(amount.String()),
		url.PathEscape(strings.ToUpper(currency)),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if s.opts.APIKey != "" {
		req.Header.Set("X-API-Key", s.opts.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, unavailable(currency, "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return decimal.Decimal{}, unavailable(currency, "read body", err)
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, unavailable(currency, "unexpected status", parseHTTPError(resp.StatusCode, payload))
	}

	var res rateResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return decimal.Decimal{}, unavailable(currency, "malformed payload", err)
	}
	if res.Status != "" && !strings.EqualFold(res.Status, "success") {
		return decimal.Decimal{}, unavailable(currency, "service reported "+res.Status, errors.New(res.Message))
	}

	rate, err := res.rate()
	if err != nil {
		return decimal.Decimal{}, unavailable(currency, "malformed rate", err)
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, unavailable(currency, "non-positive rate", nil)
	}

	s.logger.Debug().Str("currency", currency).Str("rate", rate.String()).Msg("rate fetched")
	return rate, nil
}

type rateResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// rate accepts the data field as a JSON string or number.
func (r rateResponse) rate() (decimal.Decimal, error) {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return decimal.Decimal{}, errors.New("missing data field")
	}
	var raw string
	if err := json.Unmarshal(r.Data, &raw); err == nil {
		return decimal.NewFromString(strings.TrimSpace(raw))
	}
	var num json.Number
	if err := json.Unmarshal(r.Data, &num); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode data: %w", err)
	}
	return decimal.NewFromString(num.String())
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("pricing api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("pricing api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("pricing api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("pricing api error (%d)", status)
}

var _ RateSource = (*HTTPSource)(nil)
