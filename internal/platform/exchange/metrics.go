package exchange

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts exchange traffic. A nil *Metrics records nothing.
type Metrics struct {
	Sent          *prometheus.CounterVec
	Received      *prometheus.CounterVec
	Unmatched     *prometheus.CounterVec
	Continuations prometheus.Gauge
	OutboundSecs  *prometheus.HistogramVec
}

// NewMetrics registers the exchange collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hcx_exchange_sent_total",
			Help: "Exchanges originated, by workflow and outcome.",
		}, []string{"workflow", "outcome"}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hcx_exchange_received_total",
			Help: "Inbound protocol messages, by workflow, kind and outcome.",
		}, []string{"workflow", "kind", "outcome"}),
		Unmatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hcx_exchange_unmatched_callbacks_total",
			Help: "Callbacks rejected because no record matched their correlation id.",
		}, []string{"workflow"}),
		Continuations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hcx_exchange_continuations_inflight",
			Help: "Post-ack continuations currently running.",
		}),
		OutboundSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hcx_exchange_outbound_duration_seconds",
			Help:    "Latency of outbound request calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow"}),
	}
	reg.MustRegister(m.Sent, m.Received, m.Unmatched, m.Continuations, m.OutboundSecs)
	return m
}

func (m *Metrics) sent(workflow, outcome string) {
	if m != nil {
		m.Sent.WithLabelValues(workflow, outcome).Inc()
	}
}

func (m *Metrics) received(workflow, kind, outcome string) {
	if m != nil {
		m.Received.WithLabelValues(workflow, kind, outcome).Inc()
	}
}

func (m *Metrics) unmatched(workflow string) {
	if m != nil {
		m.Unmatched.WithLabelValues(workflow).Inc()
	}
}

func (m *Metrics) continuation(delta float64) {
	if m != nil {
		m.Continuations.Add(delta)
	}
}

func (m *Metrics) outbound(workflow string, secs float64) {
	if m != nil {
		m.OutboundSecs.WithLabelValues(workflow).Observe(secs)
	}
}
