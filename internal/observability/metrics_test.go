package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.RecordTransition("pending", "executing")
	metrics.RecordTransition("pending", "executing")
	metrics.RecordTransition("executing", "executed")
	metrics.RecordConfirmation("executed")
	metrics.RecordExecution("email.send", "success", 0.2)
	metrics.RecordSweep(3)
	metrics.RecordStuck(2)

	expected := `
		# HELP intentgate_transitions_total Total number of intent status transitions
		# TYPE intentgate_transitions_total counter
		intentgate_transitions_total{from="executing",to="executed"} 1
		intentgate_transitions_total{from="pending",to="executing"} 2
	`
	if err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "intentgate_transitions_total"); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	if got := testutil.ToFloat64(metrics.Confirmations.WithLabelValues("executed")); got != 1 {
		t.Errorf("confirmations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.SweptIntents); got != 3 {
		t.Errorf("swept = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.StuckIntents); got != 2 {
		t.Errorf("stuck = %v, want 2", got)
	}
	if count := testutil.CollectAndCount(metrics.ExecutorDuration); count != 1 {
		t.Errorf("Expected 1 executor series, got %d", count)
	}
}

func TestMetricsUnregistered(t *testing.T) {
	// Two instances without a registry must not collide.
	a := NewMetrics(nil)
	b := NewMetrics(nil)
	a.RecordHTTPRequest("POST", "/v1/intents", "201", 0.01)
	b.RecordHTTPRequest("POST", "/v1/intents", "201", 0.01)
	if got := testutil.ToFloat64(a.HTTPRequestCounter.WithLabelValues("POST", "/v1/intents", "201")); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var metrics *Metrics
	metrics.RecordTransition("pending", "executing")
	metrics.RecordConfirmation("executed")
	metrics.RecordExecution("tool", "error", 1)
	metrics.RecordIntentCreated("SEND_EMAIL")
	metrics.RecordResolution("resolved")
	metrics.RecordSweep(1)
	metrics.RecordStuck(1)
	metrics.RecordHTTPRequest("GET", "/healthz", "200", 0)
	metrics.RecordRateLimited("confirm")
}
