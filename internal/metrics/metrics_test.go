package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("idle")
	m.StatusReport("ringing", "created")
	m.BackendRequest("make-call", "ok")
	m.ProviderError("31005")
	m.SetActive(true)
	m.ObserveCallDuration(3)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("dialmate", reg)

	m.Transition("ringing")
	m.Transition("ringing")
	m.StatusReport("ended", "finalized")
	m.SetActive(true)

	if got := value(t, reg, "dialmate_session_transitions_total", map[string]string{"state": "ringing"}); got != 2 {
		t.Errorf("expected 2 ringing transitions, got %v", got)
	}
	if got := value(t, reg, "dialmate_status_reports_total", map[string]string{"status": "ended", "outcome": "finalized"}); got != 1 {
		t.Errorf("expected 1 finalized report, got %v", got)
	}
	if got := value(t, reg, "dialmate_active_calls", nil); got != 1 {
		t.Errorf("expected active gauge 1, got %v", got)
	}
	m.SetActive(false)
	if got := value(t, reg, "dialmate_active_calls", nil); got != 0 {
		t.Errorf("expected active gauge 0, got %v", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("dialmate", reg)
	m.BackendRequest("call-history", "ok")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "dialmate_backend_requests_total") {
		t.Errorf("expected metric in output, got:\n%s", rec.Body.String())
	}
}
