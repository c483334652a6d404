package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide collectors.
type Metrics struct {
	rateFetches      *prometheus.CounterVec
	rateFetchLatency *prometheus.HistogramVec
	rateFallbacks    *prometheus.CounterVec
	rateAge          *prometheus.GaugeVec
	settlements      *prometheus.CounterVec
	slippageRetries  prometheus.Counter
	ledgerWrites     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	reconciled       *prometheus.CounterVec
}

var (
	once     sync.Once
	registry *Metrics
)

// Default returns the registered collectors, creating them on first use.
func Default() *Metrics {
	once.Do(func() {
		registry = &Metrics{
			rateFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "stablepay_rate_fetches_total",
				Help: "Rate fetch attempts by currency and outcome.",
			}, []string{"currency", "outcome"}),
			rateFetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "stablepay_rate_fetch_seconds",
				Help:    "Latency of successful rate fetches.",
				Buckets: prometheus.DefBuckets,
			}, []string{"currency"}),
			rateFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "stablepay_rate_fallbacks_total",
				Help: "Rate entries written from a fallback after retries were exhausted.",
			}, []string{"currency", "source"}),
			rateAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "stablepay_rate_fetched_timestamp_seconds",
				Help: "Unix time of the last rate written per currency.",
			}, []string{"currency"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "stablepay_settlements_total",
				Help: "Settlement intents by kind and final state.",
			}, []string{"kind", "state"}),
			slippageRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "stablepay_slippage_retries_total",
				Help: "Primary calls retried with the relaxed slippage tolerance.",
			}),
			ledgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "stablepay_ledger_writes_total",
				Help: "Ledger writes by operation and outcome.",
			}, []string{"op", "outcome"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "stablepay_notifications_total",
				Help: "Notifications by outcome.",
			}, []string{"outcome"}),
			reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "stablepay_reconciled_total",
				Help: "Pending records resolved by the reconciler.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			registry.rateFetches,
			registry.rateFetchLatency,
			registry.rateFallbacks,
			registry.rateAge,
			registry.settlements,
			registry.slippageRetries,
			registry.ledgerWrites,
			registry.notifications,
			registry.reconciled,
		)
	})
	return registry
}

func (m *Metrics) ObserveRateFetch(currency, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rateFetches.WithLabelValues(currency, outcome).Inc()
	if outcome == "ok" {
		m.rateFetchLatency.WithLabelValues(currency).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveRateFallback(currency, source string) {
	if m == nil {
		return
	}
	m.rateFallbacks.WithLabelValues(currency, source).Inc()
}

func (m *Metrics) SetRateFetchedAt(currency string, at time.Time) {
	if m == nil {
		return
	}
	m.rateAge.WithLabelValues(currency).Set(float64(at.Unix()))
}

func (m *Metrics) ObserveSettlement(kind, state string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind, state).Inc()
}

func (m *Metrics) ObserveSlippageRetry() {
	if m == nil {
		return
	}
	m.slippageRetries.Inc()
}

func (m *Metrics) ObserveLedgerWrite(op, outcome string) {
	if m == nil {
		return
	}
	m.ledgerWrites.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReconciled(status string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(status).Inc()
}
