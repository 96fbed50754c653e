package metrics

import "github.com/prometheus/client_golang/prometheus"

// OutboxMetrics tracks e-mail outbox transitions and transport health.
type OutboxMetrics struct {
	transitions *prometheus.CounterVec
	backlog     prometheus.Gauge
	transport   *prometheus.GaugeVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "email_outbox_transitions_total",
		Help: "Outbox message transitions by target state.",
	}, []string{"state"})
	backlog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "email_outbox_backlog",
		Help: "Messages pending or sending at the last drain.",
	})
	transport := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "email_transport_healthy",
		Help: "1 when the last preflight of the transport succeeded.",
	}, []string{"transport", "mode"})
	reg.MustRegister(transitions, backlog, transport)
	return &OutboxMetrics{transitions: transitions, backlog: backlog, transport: transport}
}

func (m *OutboxMetrics) Transition(state string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(state)).Inc()
}

func (m *OutboxMetrics) SetBacklog(n int64) {
	if m == nil || m.backlog == nil {
		return
	}
	m.backlog.Set(float64(n))
}

func (m *OutboxMetrics) SetTransportHealthy(transport, mode string, healthy bool) {
	if m == nil || m.transport == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.transport.WithLabelValues(normalizeLabel(transport), normalizeLabel(mode)).Set(v)
}
