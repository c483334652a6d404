package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Fatal("Default should return the same collectors")
	}
}

func TestObserveCounters(t *testing.T) {
	m := Default()
	before := testutil.ToFloat64(m.rateFetches.WithLabelValues("TST", "ok"))
	m.ObserveRateFetch("TST", "ok", 10*time.Millisecond)
	if got := testutil.ToFloat64(m.rateFetches.WithLabelValues("TST", "ok")); got != before+1 {
		t.Fatalf("rate fetch counter = %v", got)
	}

	m.ObserveSlippageRetry()
	if testutil.ToFloat64(m.slippageRetries) < 1 {
		t.Fatal("slippage retry counter not incremented")
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveRateFetch("X", "ok", time.Second)
	m.ObserveSettlement("swap", "confirmed")
	m.ObserveLedgerWrite("create", "ok")
	m.ObserveNotification("sent")
	m.ObserveReconciled("completed")
	m.ObserveRateFallback("X", "previous")
	m.SetRateFetchedAt("X", time.Now())
}
