package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

const metricsNamespace = "grc"

// PipelineMetrics holds the retrieval and indexing collectors shared by every
// binary. It satisfies the search, RAG, indexing, sweep and resilience observers.
type PipelineMetrics struct {
	service string

	searchTotal      *prometheus.CounterVec
	searchDuration   *prometheus.HistogramVec
	searchDegraded   *prometheus.CounterVec
	ragRequestsTotal *prometheus.CounterVec
	ragNoContext     *prometheus.CounterVec
	ragSources       *prometheus.HistogramVec
	ragConfidence    *prometheus.HistogramVec
	ragDuration      *prometheus.HistogramVec
	llmTokensTotal   *prometheus.CounterVec
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobAttempts      *prometheus.HistogramVec
	sweepTotal       *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	sweepDiscovered  prometheus.Counter
	retriesTotal     *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

func newPipelineMetrics(service string, registry *prometheus.Registry) *PipelineMetrics {
	constLabels := prometheus.Labels{"service": service}

	m := &PipelineMetrics{
		service: service,
		searchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "search",
				Name:      "requests_total",
				Help:      "Total hybrid searches by namespace and cache outcome.",
			},
			[]string{"service", "namespace", "cache"},
		),
		searchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "search",
				Name:      "duration_seconds",
				Help:      "Hybrid search duration in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"service", "namespace", "cache"},
		),
		searchDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "search",
				Name:      "degraded_branches_total",
				Help:      "Total search branches that failed or timed out.",
			},
			[]string{"service", "branch"},
		),
		ragRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "rag",
				Name:      "requests_total",
				Help:      "Total answered RAG queries.",
			},
			[]string{"service", "namespace"},
		),
		ragNoContext: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "rag",
				Name:      "no_sources_total",
				Help:      "Total RAG queries answered without sources.",
			},
			[]string{"service", "namespace"},
		),
		ragSources: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "rag",
				Name:      "sources",
				Help:      "Distribution of cited sources per RAG answer.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
			},
			[]string{"service", "namespace"},
		),
		ragConfidence: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "rag",
				Name:      "confidence",
				Help:      "Distribution of heuristic answer confidence.",
				Buckets:   []float64{0, 0.2, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
			[]string{"service", "namespace"},
		),
		ragDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "rag",
				Name:      "duration_seconds",
				Help:      "RAG execution duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "namespace"},
		),
		llmTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "llm",
				Name:      "prompt_tokens_total",
				Help:      "Approximate prompt tokens sent to the generation model.",
			},
			[]string{"service", "namespace"},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "indexing",
				Name:      "job_attempts_total",
				Help:      "Total indexing job attempts by operation and resulting status.",
			},
			[]string{"service", "namespace", "operation", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "indexing",
				Name:      "job_duration_seconds",
				Help:      "Indexing job attempt duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
		jobAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "indexing",
				Name:      "job_attempts",
				Help:      "Attempts recorded on jobs that reached a terminal status.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8},
			},
			[]string{"service", "status"},
		),
		sweepTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "indexing",
				Name:      "sweeps_total",
				Help:      "Total polling sweeps by result.",
			},
			[]string{"service", "result"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   metricsNamespace,
				Subsystem:   "indexing",
				Name:        "sweep_duration_seconds",
				Help:        "Polling sweep duration in seconds.",
				Buckets:     []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
				ConstLabels: constLabels,
			},
		),
		sweepDiscovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Subsystem:   "indexing",
				Name:        "sweep_records_discovered_total",
				Help:        "Records re-submitted by polling sweeps.",
				ConstLabels: constLabels,
			},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "resilience",
				Name:      "retries_total",
				Help:      "Total retried outbound calls by operation.",
			},
			[]string{"service", "operation"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "resilience",
				Name:      "breaker_open",
				Help:      "1 when the circuit breaker of an operation is not closed.",
			},
			[]string{"service", "operation"},
		),
	}

	registry.MustRegister(
		m.searchTotal,
		m.searchDuration,
		m.searchDegraded,
		m.ragRequestsTotal,
		m.ragNoContext,
		m.ragSources,
		m.ragConfidence,
		m.ragDuration,
		m.llmTokensTotal,
		m.jobsTotal,
		m.jobDuration,
		m.jobAttempts,
		m.sweepTotal,
		m.sweepDuration,
		m.sweepDiscovered,
		m.retriesTotal,
		m.breakerState,
	)
	return m
}

func cacheLabel(cached bool) string {
	if cached {
		return "hit"
	}
	return "miss"
}

func (m *PipelineMetrics) ObserveSearch(namespace string, cached bool, degraded []string, duration time.Duration) {
	outcome := cacheLabel(cached)
	m.searchTotal.WithLabelValues(m.service, namespace, outcome).Inc()
	m.searchDuration.WithLabelValues(m.service, namespace, outcome).Observe(duration.Seconds())
	for _, branch := range degraded {
		m.searchDegraded.WithLabelValues(m.service, branch).Inc()
	}
}

func (m *PipelineMetrics) ObserveRAG(namespace string, promptTokens, sources int, confidence float64, duration time.Duration) {
	m.ragRequestsTotal.WithLabelValues(m.service, namespace).Inc()
	m.ragSources.WithLabelValues(m.service, namespace).Observe(float64(sources))
	m.ragConfidence.WithLabelValues(m.service, namespace).Observe(confidence)
	m.ragDuration.WithLabelValues(m.service, namespace).Observe(duration.Seconds())
	if sources == 0 {
		m.ragNoContext.WithLabelValues(m.service, namespace).Inc()
	}
	if promptTokens > 0 {
		m.llmTokensTotal.WithLabelValues(m.service, namespace).Add(float64(promptTokens))
	}
}

func (m *PipelineMetrics) ObserveJob(job domain.IndexingJob, duration time.Duration) {
	operation := string(job.Operation)
	m.jobsTotal.WithLabelValues(m.service, job.Namespace, operation, string(job.Status)).Inc()
	m.jobDuration.WithLabelValues(m.service, operation).Observe(duration.Seconds())
	if job.Status.Terminal() {
		m.jobAttempts.WithLabelValues(m.service, string(job.Status)).Observe(float64(job.Attempts))
	}
}

func (m *PipelineMetrics) ObserveSweep(report domain.SweepReport, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.sweepTotal.WithLabelValues(m.service, result).Inc()
	m.sweepDuration.Observe(duration.Seconds())
	m.sweepDiscovered.Add(float64(report.Discovered))
}

func (m *PipelineMetrics) ObserveRetry(operation string) {
	m.retriesTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *PipelineMetrics) ObserveBreakerState(operation, state string) {
	open := 0.0
	if state != "closed" {
		open = 1
	}
	m.breakerState.WithLabelValues(m.service, operation).Set(open)
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}
