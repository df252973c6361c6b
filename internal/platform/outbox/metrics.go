package outbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the worker's Prometheus collectors.
type Metrics struct {
	EnqueuedTotal *prometheus.CounterVec
	SentTotal     *prometheus.CounterVec
	RetriedTotal  *prometheus.CounterVec
	FailedTotal   *prometheus.CounterVec
	RequeuedTotal prometheus.Counter
	QueueDepth    prometheus.Gauge
	LagSeconds    prometheus.Gauge
	DeliverySecs  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "hcx_outbox_enqueued_total", Help: "Callback envelopes queued for delivery."},
			[]string{"workflow"},
		),
		SentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "hcx_outbox_sent_total", Help: "Callback envelopes delivered."},
			[]string{"workflow"},
		),
		RetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "hcx_outbox_retried_total", Help: "Failed delivery attempts scheduled for retry."},
			[]string{"workflow"},
		),
		FailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "hcx_outbox_failed_total", Help: "Callback envelopes moved to the failed state."},
			[]string{"workflow"},
		),
		RequeuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "hcx_outbox_requeued_total", Help: "Stuck sending messages returned to the queue."},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "hcx_outbox_queue_depth", Help: "Messages waiting in the queued state."},
		),
		LagSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "hcx_outbox_lag_seconds", Help: "Age in seconds of the oldest queued message."},
		),
		DeliverySecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hcx_outbox_delivery_duration_seconds",
				Help:    "Duration of callback delivery attempts.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow", "outcome"},
		),
	}
	reg.MustRegister(
		m.EnqueuedTotal,
		m.SentTotal,
		m.RetriedTotal,
		m.FailedTotal,
		m.RequeuedTotal,
		m.QueueDepth,
		m.LagSeconds,
		m.DeliverySecs,
	)
	return m
}
