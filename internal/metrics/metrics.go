// Package metrics holds the Prometheus instruments for the dialer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions     *prometheus.CounterVec
	StatusReports   *prometheus.CounterVec
	BackendRequests *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	ActiveCalls     prometheus.Gauge
	CallDuration    prometheus.Histogram
}

// New registers the instruments on reg. Pass prometheus.NewRegistry() in tests.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Call session transitions by resulting state.",
		}, []string{"state"}),
		StatusReports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Call status reports by status and outcome.",
		}, []string{"status", "outcome"}),
		BackendRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend API requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider call errors by code.",
		}, []string{"code"}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "1 while a call is ringing, dialing or connected.",
		}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of calls when they reach a terminal status.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) StatusReport(status, outcome string) {
	if m == nil {
		return
	}
	m.StatusReports.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) BackendRequest(endpoint, result string) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) ProviderError(code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ActiveCalls.Set(1)
		return
	}
	m.ActiveCalls.Set(0)
}

func (m *Metrics) ObserveCallDuration(seconds int) {
	if m == nil {
		return
	}
	m.CallDuration.Observe(float64(seconds))
}

// Handler serves the registry g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
