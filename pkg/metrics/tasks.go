package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TaskMetrics tracks task runner executions.
type TaskMetrics struct {
	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
	events   *prometheus.CounterVec
}

func NewTaskMetrics(reg prometheus.Registerer) *TaskMetrics {
	if reg == nil {
		return &TaskMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "task_duration_seconds",
		Help:    "Duration of task executions in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "task_results_total",
		Help: "Task executions by result (success, retry, dead, duplicate, hard_timeout).",
	}, []string{"task", "result"})
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lead_analytics_events_total",
		Help: "Analytics events recorded for routed leads.",
	}, []string{"event", "channel"})
	reg.MustRegister(duration, results, events)
	return &TaskMetrics{duration: duration, results: results, events: events}
}

func (m *TaskMetrics) Observe(task, result string, d time.Duration) {
	if m == nil || m.results == nil {
		return
	}
	m.results.WithLabelValues(normalizeLabel(task), normalizeLabel(result)).Inc()
	m.duration.WithLabelValues(normalizeLabel(task)).Observe(d.Seconds())
}

func (m *TaskMetrics) AnalyticsEvent(event, channel string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(event), normalizeLabel(channel)).Inc()
}
