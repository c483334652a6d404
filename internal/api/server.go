package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"stablepay/internal/ledger"
	"stablepay/internal/ratecache"
)

const requestLimit = 1 << 20 // 1 MiB

// RateReader serves cached rates.
type RateReader interface {
	Get(ctx context.Context, currency string) (ratecache.Entry, bool, error)
}

// Config captures the dependencies of the HTTP API.
type Config struct {
	Store  ledger.Store
	Rates  RateReader
	APIKey string
	// Metrics mounts /metrics when set.
	Metrics http.Handler
}

// Server exposes the ledger and the rate cache over HTTP.
type Server struct {
	store  ledger.Store
	rates  RateReader
	apiKey string
	logger zerolog.Logger
	router http.Handler
}

// New builds the router.
func New(cfg Config, logger zerolog.Logger) *Server {
	s := &Server{
		store:  cfg.Store,
		rates:  cfg.Rates,
		apiKey: strings.TrimSpace(cfg.APIKey),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter(cfg.Metrics)
	return s
}

// DefaultMetricsHandler serves the default prometheus registry.
func DefaultMetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authenticate)
		if s.store != nil {
			(&paymentRoutes{store: s.store, logger: s.logger}).mount(v1)
		}
		if s.rates != nil {
			(&rateRoutes{rates: s.rates}).mount(v1)
		}
	})
	return r
}

// ServeOptions bound the HTTP server.
type ServeOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, opts ServeOptions) error {
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", opts.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("http request")
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeLedgerError maps ledger sentinels onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, ledger.ErrConflict):
		logger.Error().Err(err).Msg("conflicting ledger rows")
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidTransition, err.Error())
	case errors.Is(err, ledger.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, codeInvalid, err.Error())
	default:
		logger.Error().Err(err).Msg("ledger request failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

const (
	codeNotFound          = "not_found"
	codeConflict          = "conflict"
	codeInvalidTransition = "invalid_transition"
	codeInvalid           = "invalid_request"
	codeInternal          = "internal"
	codeUnavailable       = "unavailable"
)
