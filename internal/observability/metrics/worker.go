package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	*PipelineMetrics

	registry *prometheus.Registry

	changesTotal    *prometheus.CounterVec
	changeDuration  *prometheus.HistogramVec
	changesInFlight prometheus.Gauge
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	changesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "record_changes_total",
			Help:      "Total consumed record change notifications by status.",
		},
		[]string{"service", "namespace", "status"},
	)
	changeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "record_change_duration_seconds",
			Help:      "Record change handling duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	changesInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "record_changes_in_flight",
			Help:      "Number of record changes being indexed.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registry.MustRegister(changesTotal, changeDuration, changesInFlight)

	return &WorkerMetrics{
		PipelineMetrics: newPipelineMetrics(service, registry),
		registry:        registry,
		changesTotal:    changesTotal,
		changeDuration:  changeDuration,
		changesInFlight: changesInFlight,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartChange() {
	m.changesInFlight.Inc()
}

func (m *WorkerMetrics) FinishChange(namespace string, duration time.Duration, err error) {
	m.changesInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.changesTotal.WithLabelValues(m.service, namespace, status).Inc()
	m.changeDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}
