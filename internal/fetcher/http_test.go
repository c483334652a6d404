package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestHTTPSourceSuccess(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": "1520.25"})
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}, noopLogger())
	rate, err := src.FetchRate(context.Background(), "usdc", decimal.NewFromInt(1), "ngn")
	if err != nil {
		t.Fatalf("success response should not error: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("1520.25")) {
		t.Fatalf("rate = %s", rate)
	}
	if gotPath != "/rates/USDC/1/NGN" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotKey != "k" {
		t.Fatalf("api key header = %q", gotKey)
	}
}

func TestHTTPSourceNumericData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":129.5}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	rate, err := src.FetchRate(context.Background(), "USDC", decimal.NewFromInt(1), "KES")
	if err != nil {
		t.Fatalf("numeric data should decode: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("129.5")) {
		t.Fatalf("rate = %s", rate)
	}
}

func TestHTTPSourceFailuresAreUnavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"message":"upstream down"}`))
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not-json`))
		},
		"error status": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"error","message":"unsupported"}`))
		},
		"zero": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"success","data":"0"}`))
		},
		"missing": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"success"}`))
		},
	}
	for name, handler := range cases {
		srv := httptest.NewServer(handler)
		src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
		_, err := src.FetchRate(context.Background(), "USDC", decimal.NewFromInt(1), "NGN")
		srv.Close()
		if !errors.Is(err, ErrRateUnavailable) {
			t.Fatalf("%s: expected ErrRateUnavailable, got %v", name, err)
		}
	}
}

func TestHTTPSourceTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, noopLogger())
	_, err := src.FetchRate(context.Background(), "USDC", decimal.NewFromInt(1), "NGN")
	if !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("timeout should map to ErrRateUnavailable, got %v", err)
	}
	var rateErr *RateError
	if !errors.As(err, &rateErr) || rateErr.Currency != "NGN" {
		t.Fatalf("expected RateError for NGN, got %#v", err)
	}
}

func TestHTTPSourceMissingBaseURL(t *testing.T) {
	src := NewHTTPSource(HTTPOptions{}, noopLogger())
	if _, err := src.FetchRate(context.Background(), "USDC", decimal.NewFromInt(1), "NGN"); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("unconfigured source should be unavailable, got %v", err)
	}
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{"NGN": decimal.NewFromInt(1500)}
	rate, err := src.FetchRate(context.Background(), "USDC", decimal.NewFromInt(1), "ngn")
	if err != nil || !rate.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("static lookup: %s %v", rate, err)
	}
	if _, err := src.FetchRate(context.Background(), "USDC", decimal.NewFromInt(1), "KES"); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("unknown currency should be unavailable: %v", err)
	}
}
