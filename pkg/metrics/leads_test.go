package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestIntakeAndTaskMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	intake := NewIntakeMetrics(reg)
	tasks := NewTaskMetrics(reg)
	outbox := NewOutboxMetrics(reg)

	intake.Outcome("contact", "accepted")
	intake.Outcome("contact", "accepted")
	intake.Throttled("leads_ip")
	tasks.Observe("leads.validate", "success", 10*time.Millisecond)
	outbox.Transition("sent")
	outbox.SetBacklog(7)
	outbox.SetTransportHealthy("smtp", "connect", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "lead_intake_total", "outcome", "accepted"); err != nil || got != 2 {
		t.Fatalf("expected accepted=2, got %f err=%v", got, err)
	}
	if got, err := fetchCounterValue(mfs, "rate_limit_rejections_total", "scope", "leads_ip"); err != nil || got != 1 {
		t.Fatalf("expected leads_ip=1, got %f err=%v", got, err)
	}
	if got, err := fetchCounterValue(mfs, "task_results_total", "result", "success"); err != nil || got != 1 {
		t.Fatalf("expected task success=1, got %f err=%v", got, err)
	}
	if got, err := fetchCounterValue(mfs, "email_outbox_transitions_total", "state", "sent"); err != nil || got != 1 {
		t.Fatalf("expected sent=1, got %f err=%v", got, err)
	}
	if mf := findMetricFamily(mfs, "email_outbox_backlog"); mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != 7 {
		t.Fatalf("expected backlog gauge 7")
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var intake *IntakeMetrics
	intake.Outcome("x", "y")
	intake.Throttled("x")
	NewTaskMetrics(nil).Observe("t", "success", time.Second)
	NewOutboxMetrics(nil).SetBacklog(3)
}
