package pubsub

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for the subscriber registry.
type Metrics struct {
	subscribers prometheus.Gauge
	broadcasts  prometheus.Counter
	delivered   prometheus.Counter
	dropped     prometheus.Counter
}

// newMetrics returns nil when reg is nil, which disables every observation.
func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayhub",
			Subsystem: "registry",
			Name:      "subscribers",
			Help:      "Number of currently registered subscribers",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayhub",
			Subsystem: "registry",
			Name:      "broadcasts_total",
			Help:      "Total readings broadcast",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayhub",
			Subsystem: "registry",
			Name:      "deliveries_total",
			Help:      "Total readings enqueued on subscriber queues",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayhub",
			Subsystem: "registry",
			Name:      "drops_total",
			Help:      "Total readings dropped because a subscriber queue was full",
		}),
	}
	reg.MustRegister(m.subscribers, m.broadcasts, m.delivered, m.dropped)
	return m
}

func (m *Metrics) setSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) observeBroadcast(res BroadcastResult) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.delivered.Add(float64(res.Delivered))
	m.dropped.Add(float64(res.Dropped))
}
