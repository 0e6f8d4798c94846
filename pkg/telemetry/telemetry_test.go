package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Admission("token", "denied", "daily")
	m.Admission("token", "denied", "daily")
	m.Usage("token", 40, true)
	m.Usage("token", 40, false)
	m.Pending("token", 10)
	m.Pending("token", -4)

	if got := testutil.ToFloat64(m.Admissions.WithLabelValues("token", "denied", "daily")); got != 2 {
		t.Errorf("expected 2 denials, got %v", got)
	}
	if got := testutil.ToFloat64(m.UsageAmount.WithLabelValues("token")); got != 40 {
		t.Errorf("duplicates must not add amount, got %v", got)
	}
	if got := testutil.ToFloat64(m.PendingAmount.WithLabelValues("token")); got != 6 {
		t.Errorf("expected 6 pending, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Admission("token", "allowed", "")
	m.Usage("token", 1, true)
	m.Run("promoted", 0.1)
	m.Event("rollback")
}
