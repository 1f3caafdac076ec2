package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the confirmation engine.
type Metrics struct {
	// Transitions counts successful status changes.
	// Labels: from, to
	Transitions *prometheus.CounterVec

	// Confirmations counts ConfirmAndExecute results.
	// Labels: outcome (executed|already_executed|in_progress|expired|cancelled|manual_review|executor_error|not_found|error)
	Confirmations *prometheus.CounterVec

	// ExecutorDuration measures executor calls in seconds.
	// Labels: tool_name, status (success|error)
	ExecutorDuration *prometheus.HistogramVec

	// IntentsCreated counts accepted create requests.
	// Labels: action_type
	IntentsCreated *prometheus.CounterVec

	// Resolutions counts resolver outcomes.
	// Labels: outcome
	Resolutions *prometheus.CounterVec

	// SweptIntents counts intents expired by the sweeper.
	SweptIntents prometheus.Counter

	// StuckIntents is the number of intents executing past the stuck
	// threshold at the last sweep.
	StuckIntents prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// RateLimited counts requests rejected by the rate limiter.
	// Labels: route
	RateLimited *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intentgate_transitions_total",
				Help: "Total number of intent status transitions",
			},
			[]string{"from", "to"},
		),
		Confirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intentgate_confirmations_total",
				Help: "Total number of confirmation attempts by outcome",
			},
			[]string{"outcome"},
		),
		ExecutorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intentgate_executor_duration_seconds",
				Help:    "Duration of action executor calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool_name", "status"},
		),
		IntentsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intentgate_intents_created_total",
				Help: "Total number of intents created by action type",
			},
			[]string{"action_type"},
		),
		Resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intentgate_resolutions_total",
				Help: "Total number of confirmation messages resolved by outcome",
			},
			[]string{"outcome"},
		),
		SweptIntents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "intentgate_swept_intents_total",
				Help: "Total number of pending intents expired by the sweeper",
			},
		),
		StuckIntents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "intentgate_stuck_intents",
				Help: "Intents executing longer than the stuck threshold at the last sweep",
			},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intentgate_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intentgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intentgate_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}
}

// RecordTransition counts a successful status change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// RecordConfirmation counts a confirmation result.
func (m *Metrics) RecordConfirmation(outcome string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(outcome).Inc()
}

// RecordExecution observes an executor call.
func (m *Metrics) RecordExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ExecutorDuration.WithLabelValues(toolName, status).Observe(durationSeconds)
}

// RecordIntentCreated counts an accepted create request.
func (m *Metrics) RecordIntentCreated(actionType string) {
	if m == nil {
		return
	}
	m.IntentsCreated.WithLabelValues(actionType).Inc()
}

// RecordResolution counts a resolver outcome.
func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

// RecordSweep implements intents.SweepRecorder.
func (m *Metrics) RecordSweep(expired int) {
	if m == nil {
		return
	}
	m.SweptIntents.Add(float64(expired))
}

// RecordStuck implements intents.SweepRecorder.
func (m *Metrics) RecordStuck(count int) {
	if m == nil {
		return
	}
	m.StuckIntents.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request with its duration.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordRateLimited counts a rejected request.
func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}
