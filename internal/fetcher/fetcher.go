package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrRateUnavailable is returned when a rate cannot be obtained from the source.
var ErrRateUnavailable = errors.New("rate unavailable")

// RateSource returns the off-chain currency units paid for amount of the base asset.
type RateSource interface {
	FetchRate(ctx context.Context, base string, amount decimal.Decimal, currency string) (decimal.Decimal, error)
}

// RateError carries the failing currency and the underlying cause.
type RateError struct {
	Currency string
	Reason   string
	Err      error
}

func (e *RateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate for %s unavailable: %s: %v", e.Currency, e.Reason, e.Err)
	}
	return fmt.Sprintf("rate for %s unavailable: %s", e.Currency, e.Reason)
}

// Unwrap exposes both the sentinel and the cause to errors.Is.
func (e *RateError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRateUnavailable}
	}
	return []error{ErrRateUnavailable, e.Err}
}

func unavailable(currency, reason string, err error) error {
	return &RateError{Currency: strings.ToUpper(currency), Reason: reason, Err: err}
}

// StaticSource serves a fixed rate table; unknown currencies are unavailable.
type StaticSource map[string]decimal.Decimal

// FetchRate implements RateSource.
func (s StaticSource) FetchRate(_ context.Context, _ string, _ decimal.Decimal, currency string) (decimal.Decimal, error) {
	rate, ok := s[strings.ToUpper(currency)]
	if !ok {
		return decimal.Decimal{}, unavailable(currency, "not in static table", nil)
	}
	return rate, nil
}

var _ RateSource = StaticSource(nil)
