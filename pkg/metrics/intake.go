package metrics

import "github.com/prometheus/client_golang/prometheus"

// IntakeMetrics counts front-door outcomes.
type IntakeMetrics struct {
	outcomes  *prometheus.CounterVec
	throttled *prometheus.CounterVec
	signed    prometheus.Counter
}

func NewIntakeMetrics(reg prometheus.Registerer) *IntakeMetrics {
	if reg == nil {
		return &IntakeMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lead_intake_total",
		Help: "Lead intake requests by outcome code.",
	}, []string{"form_kind", "outcome"})
	throttled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter.",
	}, []string{"scope"})
	signed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lead_envelopes_issued_total",
		Help: "Signed envelopes issued by /leads/sign.",
	})
	reg.MustRegister(outcomes, throttled, signed)
	return &IntakeMetrics{outcomes: outcomes, throttled: throttled, signed: signed}
}

func (m *IntakeMetrics) Outcome(formKind, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(formKind), normalizeLabel(outcome)).Inc()
}

func (m *IntakeMetrics) Throttled(scope string) {
	if m == nil || m.throttled == nil {
		return
	}
	m.throttled.WithLabelValues(normalizeLabel(scope)).Inc()
}

func (m *IntakeMetrics) EnvelopeIssued() {
	if m == nil || m.signed == nil {
		return
	}
	m.signed.Inc()
}
