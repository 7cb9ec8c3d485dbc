package mq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — Prometheus метрики клиента.
// Nil *Metrics допустим: все методы становятся no-op.
type Metrics struct {
	published       *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	errors          *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// NewMetrics регистрирует метрики в reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_messages_published_total",
			Help: "Total messages published",
		}, []string{"queue"}),
		consumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_messages_consumed_total",
			Help: "Total messages delivered to the handler",
		}, []string{"queue"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_errors_total",
			Help: "Total client errors by operation",
		}, []string{"op"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_handler_duration_seconds",
			Help:    "Time spent in the message handler",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
	}
}

func (m *Metrics) incPublished(queue string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(queue).Inc()
}

func (m *Metrics) observeConsumed(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(queue).Inc()
	m.handlerDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func (m *Metrics) incError(op string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(op).Inc()
}
