package ratecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stablepay/internal/fetcher"
)

type fakeSource struct {
	calls atomic.Int32
	fn    func(ctx context.Context, currency string) (decimal.Decimal, error)
}

func (f *fakeSource) FetchRate(ctx context.Context, _ string, _ decimal.Decimal, currency string) (decimal.Decimal, error) {
	f.calls.Add(1)
	return f.fn(ctx, currency)
}

func constSource(v int64) *fakeSource {
	return &fakeSource{fn: func(context.Context, string) (decimal.Decimal, error) {
		return decimal.NewFromInt(v), nil
	}}
}

func failingSource() *fakeSource {
	return &fakeSource{fn: func(_ context.Context, cur string) (decimal.Decimal, error) {
		return decimal.Decimal{}, &fetcher.RateError{Currency: cur, Reason: "down"}
	}}
}

func fastOptions() Options {
	return Options{MaxConcurrency: 3, MaxRetries: 2}
}

func TestGetReturnsStaleEntryWithoutFetching(t *testing.T) {
	src := constSource(1)
	m := New(src, fastOptions(), zerolog.Nop())
	m.store(Entry{Currency: "NGN", Rate: decimal.NewFromInt(1500), FetchedAt: time.Now().Add(-7 * time.Hour)})

	e, stale, err := m.Get(context.Background(), "ngn")
	require.NoError(t, err)
	require.True(t, stale)
	require.True(t, e.Rate.Equal(decimal.NewFromInt(1500)))
	require.Zero(t, src.calls.Load())
}

func TestGetFreshEntryIsNotStale(t *testing.T) {
	m := New(constSource(1), fastOptions(), zerolog.Nop())
	m.store(Entry{Currency: "KES", Rate: decimal.NewFromInt(129), FetchedAt: time.Now().Add(-time.Hour)})

	_, stale, err := m.Get(context.Background(), "KES")
	require.NoError(t, err)
	require.False(t, stale)
}

func TestGetAbsentBlocksOnFetch(t *testing.T) {
	src := constSource(1520)
	m := New(src, fastOptions(), zerolog.Nop())

	e, stale, err := m.Get(context.Background(), "NGN")
	require.NoError(t, err)
	require.False(t, stale)
	require.True(t, e.Rate.Equal(decimal.NewFromInt(1520)))
	require.Equal(t, int32(1), src.calls.Load())
	require.Contains(t, m.Tracked(), "NGN")
}

func TestConcurrentGetsAreCoalesced(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{fn: func(context.Context, string) (decimal.Decimal, error) {
		<-release
		return decimal.NewFromInt(7), nil
	}}
	m := New(src, fastOptions(), zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Get(context.Background(), "GHS")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), src.calls.Load())
}

func TestRefreshBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	src := &fakeSource{fn: func(context.Context, string) (decimal.Decimal, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return decimal.NewFromInt(1), nil
	}}
	m := New(src, fastOptions(), zerolog.Nop())

	currencies := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	report, err := m.Refresh(context.Background(), currencies, false)
	require.NoError(t, err)
	require.Len(t, report.Refreshed, 10)
	require.Equal(t, int32(10), src.calls.Load())
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRefreshPacesAttempts(t *testing.T) {
	opts := fastOptions()
	opts.Pacing = 30 * time.Millisecond
	m := New(constSource(1), opts, zerolog.Nop())

	start := time.Now()
	_, err := m.Refresh(context.Background(), []string{"A", "B", "C", "D"}, true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 85*time.Millisecond)
}

func TestRetriesThenKeepsPreviousRateAsStale(t *testing.T) {
	src := failingSource()
	m := New(src, fastOptions(), zerolog.Nop())
	fetchedAt := time.Now().Add(-8 * time.Hour).UTC()
	m.store(Entry{Currency: "NGN", Rate: decimal.NewFromInt(1400), FetchedAt: fetchedAt})

	report, err := m.Refresh(context.Background(), []string{"NGN"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"NGN"}, report.Fallback)
	require.Equal(t, int32(3), src.calls.Load(), "one attempt plus two retries")

	e, stale, err := m.Get(context.Background(), "NGN")
	require.NoError(t, err)
	require.True(t, stale)
	require.True(t, e.Stale)
	require.True(t, e.Rate.Equal(decimal.NewFromInt(1400)))
	require.True(t, e.FetchedAt.Equal(fetchedAt))
}

func TestRetryDelaysAreLinear(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	src := &fakeSource{fn: func(context.Context, string) (decimal.Decimal, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return decimal.Decimal{}, errors.New("boom")
	}}
	opts := fastOptions()
	opts.RetryDelay = 20 * time.Millisecond
	m := New(src, opts, zerolog.Nop())

	_, err := m.Fresh(context.Background(), "NGN")
	require.ErrorIs(t, err, fetcher.ErrRateUnavailable)
	require.Len(t, times, 3)
	require.GreaterOrEqual(t, times[1].Sub(times[0]), 20*time.Millisecond)
	require.GreaterOrEqual(t, times[2].Sub(times[1]), 40*time.Millisecond)
}

func TestConfiguredFallbackWhenNoPreviousRate(t *testing.T) {
	opts := fastOptions()
	opts.Fallback = map[string]decimal.Decimal{"ngn": decimal.NewFromInt(1600)}
	m := New(failingSource(), opts, zerolog.Nop())

	e, stale, err := m.Get(context.Background(), "NGN")
	require.NoError(t, err)
	require.True(t, stale)
	require.True(t, e.Rate.Equal(decimal.NewFromInt(1600)))

	_, err = m.Fresh(context.Background(), "NGN")
	require.ErrorIs(t, err, fetcher.ErrRateUnavailable)
	require.Len(t, m.Snapshot(), 1)
}

func TestNoFallbackLeavesCurrencyAbsent(t *testing.T) {
	m := New(failingSource(), fastOptions(), zerolog.Nop())

	_, _, err := m.Get(context.Background(), "XOF")
	require.ErrorIs(t, err, fetcher.ErrRateUnavailable)
	require.Empty(t, m.Snapshot())

	report, err := m.Refresh(context.Background(), []string{"XOF"}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"XOF"}, report.Failed)
}

func TestRefreshIsolatesFailures(t *testing.T) {
	src := &fakeSource{fn: func(_ context.Context, cur string) (decimal.Decimal, error) {
		if cur == "BAD" {
			return decimal.Decimal{}, errors.New("unsupported")
		}
		return decimal.NewFromInt(2), nil
	}}
	m := New(src, fastOptions(), zerolog.Nop())

	report, err := m.Refresh(context.Background(), []string{"good", "bad", "fine"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"FINE", "GOOD"}, report.Refreshed)
	require.Equal(t, []string{"BAD"}, report.Failed)
}

func TestRefreshSkipsFreshEntriesUnlessForced(t *testing.T) {
	src := constSource(3)
	m := New(src, fastOptions(), zerolog.Nop())
	m.store(Entry{Currency: "NGN", Rate: decimal.NewFromInt(1), FetchedAt: time.Now()})

	report, err := m.Refresh(context.Background(), []string{"NGN"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"NGN"}, report.Skipped)
	require.Zero(t, src.calls.Load())

	_, err = m.Refresh(context.Background(), []string{"NGN"}, true)
	require.NoError(t, err)
	require.Equal(t, int32(1), src.calls.Load())
	e, _, _ := m.Get(context.Background(), "NGN")
	require.True(t, e.Rate.Equal(decimal.NewFromInt(3)))
}

func TestCancelRefreshAbortsCycle(t *testing.T) {
	started := make(chan struct{}, 10)
	src := &fakeSource{fn: func(ctx context.Context, _ string) (decimal.Decimal, error) {
		started <- struct{}{}
		<-ctx.Done()
		return decimal.Decimal{}, ctx.Err()
	}}
	opts := fastOptions()
	opts.RetryDelay = time.Hour
	m := New(src, opts, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background(), []string{"A", "B", "C", "D", "E"}, true)
		done <- err
	}()

	<-started
	m.CancelRefresh()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("refresh did not stop after cancel")
	}

	calls := src.calls.Load()
	require.LessOrEqual(t, calls, int32(3), "only the semaphore holders may have started")
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, calls, src.calls.Load(), "no fetch may start after cancellation")
	require.Empty(t, m.Snapshot())
}

func waiters(m *Manager, cur string) int {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	if f, ok := m.flights[cur]; ok {
		return f.waiters
	}
	return 0
}

func TestCancelRefreshKeepsCoalescedGetAlive(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	src := &fakeSource{fn: func(ctx context.Context, _ string) (decimal.Decimal, error) {
		started <- struct{}{}
		select {
		case <-release:
			return decimal.NewFromInt(7), nil
		case <-ctx.Done():
			return decimal.Decimal{}, ctx.Err()
		}
	}}
	m := New(src, fastOptions(), zerolog.Nop())

	refreshed := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background(), []string{"NGN"}, true)
		refreshed <- err
	}()
	<-started

	type getResult struct {
		e   Entry
		err error
	}
	got := make(chan getResult, 1)
	go func() {
		e, _, err := m.Get(context.Background(), "NGN")
		got <- getResult{e, err}
	}()
	require.Eventually(t, func() bool { return waiters(m, "NGN") == 2 }, time.Second, time.Millisecond)

	m.CancelRefresh()
	select {
	case err := <-refreshed:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("refresh did not stop after cancel")
	}

	close(release)
	select {
	case res := <-got:
		require.NoError(t, res.err)
		require.True(t, res.e.Rate.Equal(decimal.NewFromInt(7)))
	case <-time.After(time.Second):
		t.Fatal("get did not return")
	}
	require.Equal(t, int32(1), src.calls.Load())
	require.Zero(t, waiters(m, "NGN"))
}

func TestAbandonedCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	src := &fakeSource{fn: func(ctx context.Context, _ string) (decimal.Decimal, error) {
		started <- struct{}{}
		select {
		case <-release:
			return decimal.NewFromInt(42), nil
		case <-ctx.Done():
			return decimal.Decimal{}, ctx.Err()
		}
	}}
	m := New(src, fastOptions(), zerolog.Nop())

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Fresh(first, "KES")
		firstErr <- err
	}()
	<-started

	type freshResult struct {
		e   Entry
		err error
	}
	second := make(chan freshResult, 1)
	go func() {
		e, err := m.Fresh(context.Background(), "KES")
		second <- freshResult{e, err}
	}()
	require.Eventually(t, func() bool { return waiters(m, "KES") == 2 }, time.Second, time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	require.True(t, res.e.Rate.Equal(decimal.NewFromInt(42)))
}

func TestTickSkipsWhileCycleInFlight(t *testing.T) {
	src := constSource(1)
	m := New(src, fastOptions(), zerolog.Nop())
	m.Track("NGN")

	m.inFlight.Add(1)
	require.NoError(t, m.tick(context.Background(), time.Now()))
	require.Zero(t, src.calls.Load())

	m.inFlight.Add(-1)
	require.NoError(t, m.tick(context.Background(), time.Now()))
	require.Equal(t, int32(1), src.calls.Load())
}

func TestRunRefreshesTrackedCurrencies(t *testing.T) {
	src := constSource(5)
	opts := fastOptions()
	opts.RefreshInterval = 10 * time.Millisecond
	m := New(src, opts, zerolog.Nop())
	m.Track("NGN", "KES")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool { return len(m.Snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}
