package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsRecordRunsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	m.ObserveDuration("retention", 250*time.Millisecond)
	m.IncSuccess("retention")
	m.IncSuccess("retention")
	m.IncFailure("campaign-scheduler")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "scheduled_job_runs_total", "result", "success"); err != nil || got != 2 {
		t.Fatalf("expected success=2, got %f err=%v", got, err)
	}
	if got, err := fetchCounterValue(mfs, "scheduled_job_runs_total", "job", "campaign-scheduler"); err != nil || got != 1 {
		t.Fatalf("expected scheduler failure=1, got %f err=%v", got, err)
	}
	if got, err := fetchHistogramSum(mfs, "scheduled_job_duration_seconds", "job", "retention"); err != nil || got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f err=%v", got, err)
	}
	if mf := findMetricFamily(mfs, "scheduled_job_last_success_timestamp_seconds"); mf == nil || len(mf.GetMetric()) != 1 {
		t.Fatalf("expected one last-success gauge")
	}
}

func TestNilCronJobMetricsAreNoops(t *testing.T) {
	var m *CronJobMetrics
	m.ObserveDuration("x", time.Second)
	m.IncSuccess("x")
	NewCronJobMetrics(nil).IncFailure("x")
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}

func TestEmptyLabelsShareUnknownBucket(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCronJobMetrics(reg).IncFailure("")
	NewIntakeMetrics(reg).Throttled("")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "scheduled_job_runs_total", "job", "unknown"); err != nil || got != 1 {
		t.Fatalf("expected unknown job=1, got %f err=%v", got, err)
	}
	if got, err := fetchCounterValue(mfs, "rate_limit_rejections_total", "scope", "unknown"); err != nil || got != 1 {
		t.Fatalf("expected unknown scope=1, got %f err=%v", got, err)
	}
}
