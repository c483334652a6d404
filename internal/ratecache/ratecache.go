package ratecache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"stablepay/internal/fetcher"
	"stablepay/internal/metrics"
	"stablepay/internal/scheduler"
)

// Entry is the cached rate for one off-chain currency.
type Entry struct {
	Currency  string          `json:"currency"`
	Rate      decimal.Decimal `json:"rate"`
	FetchedAt time.Time       `json:"fetchedAt"`
	// Stale is set when the entry was written from a fallback after retries ran out.
	Stale bool `json:"stale"`
}

// Options tune the cache manager.
type Options struct {
	BaseAsset       string
	Amount          decimal.Decimal
	StalenessWindow time.Duration
	RefreshInterval time.Duration
	MaxConcurrency  int
	Pacing          time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	Fallback        map[string]decimal.Decimal
	Metrics         *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.BaseAsset == "" {
		o.BaseAsset = "USDC"
	}
	if !o.Amount.IsPositive() {
		o.Amount = decimal.NewFromInt(1)
	}
	if o.StalenessWindow <= 0 {
		o.StalenessWindow = 6 * time.Hour
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Minute
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 3
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// Report summarises a refresh cycle.
type Report struct {
	Refreshed []string
	Fallback  []string
	Failed    []string
	Skipped   []string
}

// Manager owns the rate cache and schedules fetches against the rate source.
type Manager struct {
	source  fetcher.RateSource
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
	tracked map[string]struct{}

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	group   singleflight.Group

	flightMu sync.Mutex
	flights  map[string]*flight

	cycleMu     sync.Mutex
	cycleSeq    uint64
	cycleCancel map[uint64]context.CancelFunc
	inFlight    atomic.Int32
}

// New constructs a cache manager over source.
func New(source fetcher.RateSource, opts Options, logger zerolog.Logger) *Manager {
	opts = opts.withDefaults()

	limit := rate.Inf
	if opts.Pacing > 0 {
		limit = rate.Every(opts.Pacing)
	}

	fallback := make(map[string]decimal.Decimal, len(opts.Fallback))
	for cur, r := range opts.Fallback {
		fallback[normalize(cur)] = r
	}
	opts.Fallback = fallback

	return &Manager{
		source:      source,
		opts:        opts,
		logger:      logger.With().Str("component", "rate_cache").Logger(),
		metrics:     opts.Metrics,
		now:         time.Now,
		entries:     make(map[string]Entry),
		tracked:     make(map[string]struct{}),
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		limiter:     rate.NewLimiter(limit, 1),
		cycleCancel: make(map[uint64]context.CancelFunc),
		flights:     make(map[string]*flight),
	}
}

func normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Track adds currencies to the set refreshed by Run.
func (m *Manager) Track(currencies ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range currencies {
		if cur = normalize(cur); cur != "" {
			m.tracked[cur] = struct{}{}
		}
	}
}

// Tracked returns the tracked currencies in sorted order.
func (m *Manager) Tracked() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tracked))
	for cur := range m.tracked {
		out = append(out, cur)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every cached entry sorted by currency.
func (m *Manager) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// IsStale reports whether e is flagged stale or older than the staleness window.
func (m *Manager) IsStale(e Entry) bool {
	return e.Stale || m.now().Sub(e.FetchedAt) > m.opts.StalenessWindow
}

func (m *Manager) lookup(currency string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[currency]
	return e, ok
}

func (m *Manager) store(e Entry) {
	m.mu.Lock()
	m.entries[e.Currency] = e
	m.mu.Unlock()
	m.metrics.SetRateFetchedAt(e.Currency, e.FetchedAt)
}

// Get returns the cached entry immediately, stale or not. An absent currency
// blocks on a fetch; if that fetch falls back the fallback entry is returned.
func (m *Manager) Get(ctx context.Context, currency string) (Entry, bool, error) {
	cur := normalize(currency)
	if cur == "" {
		return Entry{}, false, errors.New("currency is required")
	}
	m.Track(cur)

	if e, ok := m.lookup(cur); ok {
		return e, m.IsStale(e), nil
	}

	e, err := m.load(ctx, cur)
	if err != nil {
		if e.Currency != "" {
			return e, true, nil
		}
		return Entry{}, false, err
	}
	return e, m.IsStale(e), nil
}

// Fresh forces a live fetch. Unlike Get it fails when retries are exhausted,
// even though the fallback entry is still written to the cache.
func (m *Manager) Fresh(ctx context.Context, currency string) (Entry, error) {
	cur := normalize(currency)
	if cur == "" {
		return Entry{}, errors.New("currency is required")
	}
	m.Track(cur)

	e, err := m.load(ctx, cur)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Refresh fetches every absent or stale currency (all of them when force is set)
// and returns when the cycle finishes. Per-currency failures are reported, never returned;
// the error is non-nil only when the cycle was cancelled.
func (m *Manager) Refresh(ctx context.Context, currencies []string, force bool) (Report, error) {
	cycleCtx, done := m.beginCycle(ctx)
	defer done()

	var (
		report Report
		mu     sync.Mutex
		g      errgroup.Group
	)
	seen := make(map[string]struct{}, len(currencies))
	for _, raw := range currencies {
		cur := normalize(raw)
		if cur == "" {
			continue
		}
		if _, dup := seen[cur]; dup {
			continue
		}
		seen[cur] = struct{}{}

		if e, ok := m.lookup(cur); ok && !force && !m.IsStale(e) {
			report.Skipped = append(report.Skipped, cur)
			continue
		}

		g.Go(func() error {
			e, err := m.load(cycleCtx, cur)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Refreshed = append(report.Refreshed, cur)
			case e.Currency != "":
				report.Fallback = append(report.Fallback, cur)
			case cycleCtx.Err() == nil:
				report.Failed = append(report.Failed, cur)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Refreshed)
	sort.Strings(report.Fallback)
	sort.Strings(report.Failed)
	sort.Strings(report.Skipped)

	if err := cycleCtx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// CancelRefresh aborts every in-flight refresh cycle. Waiters on the semaphore,
// the pacing limiter and retry timers return immediately.
func (m *Manager) CancelRefresh() {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	for id, cancel := range m.cycleCancel {
		cancel()
		delete(m.cycleCancel, id)
	}
}

func (m *Manager) beginCycle(ctx context.Context) (context.Context, func()) {
	cycleCtx, cancel := context.WithCancel(ctx)
	m.cycleMu.Lock()
	m.cycleSeq++
	id := m.cycleSeq
	m.cycleCancel[id] = cancel
	m.cycleMu.Unlock()
	m.inFlight.Add(1)

	return cycleCtx, func() {
		m.inFlight.Add(-1)
		m.cycleMu.Lock()
		delete(m.cycleCancel, id)
		m.cycleMu.Unlock()
		cancel()
	}
}

// Run refreshes the tracked set every RefreshInterval until ctx is cancelled.
// A tick is skipped while another cycle is still running.
func (m *Manager) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{
		Name:      "rate_refresh",
		Interval:  m.opts.RefreshInterval,
		Immediate: true,
	}, m.logger)
	return sched.Run(ctx, m.tick)
}

func (m *Manager) tick(ctx context.Context, _ time.Time) error {
	if m.inFlight.Load() > 0 {
		m.logger.Debug().Msg("refresh cycle still running; skipping tick")
		return nil
	}
	tracked := m.Tracked()
	if len(tracked) == 0 {
		return nil
	}
	report, err := m.Refresh(ctx, tracked, false)
	if err != nil {
		return err
	}
	m.logger.Info().
		Strs("refreshed", report.Refreshed).
		Strs("fallback", report.Fallback).
		Strs("failed", report.Failed).
		Int("skipped", len(report.Skipped)).
		Msg("rate refresh cycle finished")
	return nil
}

// flight is the context shared by every caller waiting on one currency's fetch.
// It is cancelled only when the last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (m *Manager) join(ctx context.Context, cur string) *flight {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	f, ok := m.flights[cur]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		m.flights[cur] = f
	}
	f.waiters++
	return f
}

func (m *Manager) leave(cur string, f *flight) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if m.flights[cur] == f {
		delete(m.flights, cur)
	}
}

// load coalesces concurrent fetches of the same currency. The shared fetch runs on
// the flight context, so one caller giving up never fails the others.
func (m *Manager) load(ctx context.Context, cur string) (Entry, error) {
	f := m.join(ctx, cur)
	defer m.leave(cur, f)

	ch := m.group.DoChan(cur, func() (any, error) {
		return m.fetch(f.ctx, cur)
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		e, _ := res.Val.(Entry)
		return e, res.Err
	}
}

// fetch retries the source and writes either the live rate or a stale fallback.
// On fallback it returns the written entry together with the fetch error.
func (m *Manager) fetch(ctx context.Context, cur string) (Entry, error) {
	attempt := 0
	op := func() (decimal.Decimal, error) {
		attempt++
		if err := m.limiter.Wait(ctx); err != nil {
			return decimal.Decimal{}, backoff.Permanent(err)
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return decimal.Decimal{}, backoff.Permanent(err)
		}
		defer m.sem.Release(1)
		if err := ctx.Err(); err != nil {
			return decimal.Decimal{}, backoff.Permanent(err)
		}

		started := time.Now()
		r, err := m.source.FetchRate(ctx, m.opts.BaseAsset, m.opts.Amount, cur)
		if err != nil {
			m.metrics.ObserveRateFetch(cur, "error", time.Since(started))
			if ctx.Err() != nil {
				return decimal.Decimal{}, backoff.Permanent(ctx.Err())
			}
			m.logger.Warn().Err(err).Str("currency", cur).Int("attempt", attempt).Msg("rate fetch failed")
			return decimal.Decimal{}, err
		}
		m.metrics.ObserveRateFetch(cur, "ok", time.Since(started))
		return r, nil
	}

	r, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&linearBackOff{step: m.opts.RetryDelay}),
		backoff.WithMaxTries(uint(m.opts.MaxRetries+1)),
	)
	if err == nil {
		e := Entry{Currency: cur, Rate: r, FetchedAt: m.now().UTC()}
		m.store(e)
		return e, nil
	}
	if ctx.Err() != nil {
		return Entry{}, ctx.Err()
	}

	fetchErr := err
	if !errors.Is(fetchErr, fetcher.ErrRateUnavailable) {
		fetchErr = fmt.Errorf("%w: %s: %v", fetcher.ErrRateUnavailable, cur, err)
	}

	if prev, ok := m.lookup(cur); ok {
		prev.Stale = true
		m.store(prev)
		m.metrics.ObserveRateFallback(cur, "previous")
		m.logger.Warn().Err(err).Str("currency", cur).Int("attempts", attempt).Msg("retries exhausted; keeping previous rate as stale")
		return prev, fetchErr
	}
	if fb, ok := m.opts.Fallback[cur]; ok {
		e := Entry{Currency: cur, Rate: fb, FetchedAt: m.now().UTC(), Stale: true}
		m.store(e)
		m.metrics.ObserveRateFallback(cur, "configured")
		m.logger.Warn().Err(err).Str("currency", cur).Int("attempts", attempt).Msg("retries exhausted; using configured fallback rate")
		return e, fetchErr
	}

	m.logger.Error().Err(err).Str("currency", cur).Int("attempts", attempt).Msg("retries exhausted; no fallback rate")
	return Entry{}, fetchErr
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

var _ backoff.BackOff = (*linearBackOff)(nil)
