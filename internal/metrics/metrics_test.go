package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.SetActiveTasks(3)
	m.IncAcquireWaits("anthropic")
	m.IncInvocations("anthropic", "claude-sonnet-4", "ok")
	m.AddCost("anthropic", "claude-sonnet-4", 0.1)
	m.ObserveInvokeDuration("anthropic", 1.5)
	m.IncRunStarted("wf")
	m.IncRunFinished("wf", "completed")
	m.IncStepExecuted("wf", "action")
	m.IncDecision("inference")
	m.IncEscalation()
}

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewProm("agentorch", reg)
	m.SetActiveTasks(2)
	m.IncAcquireWaits("anthropic")
	m.IncInvocations("anthropic", "claude-sonnet-4", "ok")
	m.AddCost("anthropic", "claude-sonnet-4", 0.25)
	m.ObserveInvokeDuration("anthropic", 2)
	m.IncRunStarted("deploy")
	m.IncRunFinished("deploy", "completed")
	m.IncStepExecuted("deploy", "action")
	m.IncDecision("prior-knowledge")
	m.IncEscalation()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	tests := []struct {
		name   string
		labels map[string]string
	}{
		{"agentorch_pool_active_tasks", nil},
		{"agentorch_pool_acquire_waits_total", map[string]string{"provider": "anthropic"}},
		{"agentorch_pool_invocations_total", map[string]string{"provider": "anthropic", "model": "claude-sonnet-4", "status": "ok"}},
		{"agentorch_pool_cost_usd_total", map[string]string{"provider": "anthropic"}},
		{"agentorch_pool_invoke_duration_seconds", map[string]string{"provider": "anthropic"}},
		{"agentorch_runs_started_total", map[string]string{"workflow": "deploy"}},
		{"agentorch_runs_finished_total", map[string]string{"workflow": "deploy", "status": "completed"}},
		{"agentorch_steps_executed_total", map[string]string{"workflow": "deploy", "type": "action"}},
		{"agentorch_decisions_total", map[string]string{"provenance": "prior-knowledge"}},
		{"agentorch_escalations_total", nil},
	}
	for _, tt := range tests {
		if !hasMetric(families, tt.name, tt.labels) {
			t.Errorf("expected metric %s %v", tt.name, tt.labels)
		}
	}
}

func TestPromMetrics_SeparateRegistriesDoNotCollide(t *testing.T) {
	NewProm("agentorch", prometheus.NewRegistry())
	NewProm("agentorch", prometheus.NewRegistry())
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewProm("agentorch", reg)
	m.IncRunStarted("wf")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
