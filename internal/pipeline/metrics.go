package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the orchestration pipeline. A nil
// *Metrics is a no-op, so tests can run without a registry.
type Metrics struct {
	IterationsTotal    prometheus.Counter
	IterationDuration  prometheus.Histogram
	AlertsTotal        *prometheus.CounterVec
	PlaybookRunsTotal  *prometheus.CounterVec
	PlaybookDuration   *prometheus.HistogramVec
	CollectorAlerts    *prometheus.CounterVec
	CollectorErrors    *prometheus.CounterVec
	CacheEntries       prometheus.Gauge
	CacheBytes         prometheus.Gauge
	CacheEvictions     *prometheus.CounterVec
	StoreQueryDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IterationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rampart_iterations_total",
			Help: "Total scheduler iterations.",
		}),
		IterationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rampart_iteration_duration_seconds",
			Help:    "Duration of scheduler iterations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rampart_alerts_total",
			Help: "Total alerts by source and pipeline outcome.",
		}, []string{"source", "outcome"}),
		PlaybookRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rampart_playbook_runs_total",
			Help: "Total playbook invocations by playbook and outcome.",
		}, []string{"playbook", "outcome"}),
		PlaybookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rampart_playbook_duration_seconds",
			Help:    "Duration of playbook invocations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"playbook"}),
		CollectorAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rampart_collector_alerts_total",
			Help: "Total alerts yielded by collectors, before dedup.",
		}, []string{"source"}),
		CollectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rampart_collector_errors_total",
			Help: "Total collector poll failures.",
		}, []string{"source"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rampart_dedup_cache_entries",
			Help: "Current dedup cache entry count.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rampart_dedup_cache_bytes",
			Help: "Current dedup cache size estimate in bytes.",
		}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rampart_dedup_cache_evictions_total",
			Help: "Total dedup cache evictions by reason.",
		}, []string{"reason"}),
		StoreQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rampart_store_query_duration_seconds",
			Help:    "Duration of cache store queries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		m.IterationsTotal,
		m.IterationDuration,
		m.AlertsTotal,
		m.PlaybookRunsTotal,
		m.PlaybookDuration,
		m.CollectorAlerts,
		m.CollectorErrors,
		m.CacheEntries,
		m.CacheBytes,
		m.CacheEvictions,
		m.StoreQueryDuration,
	)

	return m
}

// ObserveAlert counts one alert reaching a terminal pipeline outcome.
func (m *Metrics) ObserveAlert(source, outcome string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveRun counts one playbook invocation.
func (m *Metrics) ObserveRun(playbook string, outcome Outcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.PlaybookRunsTotal.WithLabelValues(playbook, string(outcome)).Inc()
	if outcome != OutcomeSkipped {
		m.PlaybookDuration.WithLabelValues(playbook).Observe(duration.Seconds())
	}
}

// ObserveIteration records one completed scheduler iteration.
func (m *Metrics) ObserveIteration(duration time.Duration) {
	if m == nil {
		return
	}
	m.IterationsTotal.Inc()
	m.IterationDuration.Observe(duration.Seconds())
}

// ObserveCollector records a collector poll result.
func (m *Metrics) ObserveCollector(source string, yielded int, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.CollectorErrors.WithLabelValues(source).Inc()
		return
	}
	m.CollectorAlerts.WithLabelValues(source).Add(float64(yielded))
}

// SetCacheStats publishes the dedup cache gauges.
func (m *Metrics) SetCacheStats(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(entries))
	m.CacheBytes.Set(float64(bytes))
}

// ObserveEviction counts dedup cache evictions; reason is "size" or "age".
func (m *Metrics) ObserveEviction(reason string, count int) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(reason).Add(float64(count))
}

// ObserveStoreQuery records a cache store query, fed by the pgx tracer.
func (m *Metrics) ObserveStoreQuery(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreQueryDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}
