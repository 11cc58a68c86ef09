package gate

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts access verifications by outcome.
type Metrics struct {
	verifications *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayhub",
			Subsystem: "gate",
			Name:      "verifications_total",
			Help:      "Access token verifications by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.verifications)
	return m
}

func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}
