// Package telemetry holds the Prometheus metrics shared by the cache, the
// job orchestrator, the review workflow and the stats exporter.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genreview"

// Metrics is safe to use as a nil pointer; every Record method is a no-op then.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Cache
	CacheLookups   *prometheus.CounterVec
	CacheRemovals  *prometheus.CounterVec
	CacheHitRate   *prometheus.GaugeVec
	CacheCostSaved *prometheus.GaugeVec
	CacheActive    *prometheus.GaugeVec

	// Generation
	GenerationCalls    *prometheus.CounterVec
	GenerationSeconds  *prometheus.HistogramVec
	GenerationCostUSD  *prometheus.CounterVec
	JobsFinished       *prometheus.CounterVec
	BatchItemsFinished *prometheus.CounterVec
	WorkersBusy        prometheus.Gauge

	// Review
	ReviewTransitions *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	OldestPendingAge  prometheus.Gauge
	StuckJobs         prometheus.Gauge
}

// New creates and registers all metrics on reg. A nil reg gets a private
// registry, which keeps tests independent of each other.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	m := &Metrics{gatherer: reg}

	m.initCacheMetrics(factory)
	m.initGenerationMetrics(factory)
	m.initReviewMetrics(factory)
	return m
}

func (m *Metrics) initCacheMetrics(factory promauto.Factory) {
	m.CacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache",
		Name: "lookups_total",
		Help: "Cache lookups by result (hit, miss, shared).",
	}, []string{"result"})
	m.CacheRemovals = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache",
		Name: "removals_total",
		Help: "Cache entries removed by reason (expired, lru, invalidated).",
	}, []string{"reason"})
	m.CacheHitRate = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache",
		Name: "hit_rate",
		Help: "Hit rate over active entries per provider.",
	}, []string{"provider"})
	m.CacheCostSaved = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache",
		Name: "cost_saved_usd",
		Help: "Upstream cost avoided by active entries per provider.",
	}, []string{"provider"})
	m.CacheActive = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache",
		Name: "active_entries",
		Help: "Unexpired cache entries per provider.",
	}, []string{"provider"})
}

func (m *Metrics) initGenerationMetrics(factory promauto.Factory) {
	m.GenerationCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "generation",
		Name: "calls_total",
		Help: "Upstream generation calls by provider and outcome.",
	}, []string{"provider", "outcome"})
	m.GenerationSeconds = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "generation",
		Name:    "call_duration_seconds",
		Help:    "Duration of upstream generation calls.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~51s
	}, []string{"provider"})
	m.GenerationCostUSD = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "generation",
		Name: "cost_usd_total",
		Help: "Upstream cost charged per provider.",
	}, []string{"provider"})
	m.JobsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "jobs",
		Name: "finished_total",
		Help: "Generation jobs reaching a terminal state.",
	}, []string{"status", "cache"})
	m.BatchItemsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "batch",
		Name: "items_finished_total",
		Help: "Batch items processed by outcome.",
	}, []string{"outcome"})
	m.WorkersBusy = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "jobs",
		Name: "workers_busy",
		Help: "Worker slots currently held.",
	})
}

func (m *Metrics) initReviewMetrics(factory promauto.Factory) {
	m.ReviewTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "review",
		Name: "transitions_total",
		Help: "Review transitions by change type.",
	}, []string{"change_type"})
	m.QueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "review",
		Name: "queue_depth",
		Help: "Content items awaiting review.",
	})
	m.OldestPendingAge = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "review",
		Name: "oldest_pending_age_seconds",
		Help: "Age of the oldest item awaiting review.",
	})
	m.StuckJobs = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "jobs",
		Name: "stuck",
		Help: "Jobs processing longer than the stuck threshold.",
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCacheRemovals(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheRemovals.WithLabelValues(reason).Add(float64(n))
}

// RecordGeneration records one upstream call.
func (m *Metrics) RecordGeneration(provider, outcome string, seconds, costUSD float64) {
	if m == nil {
		return
	}
	m.GenerationCalls.WithLabelValues(provider, outcome).Inc()
	m.GenerationSeconds.WithLabelValues(provider).Observe(seconds)
	if costUSD > 0 {
		m.GenerationCostUSD.WithLabelValues(provider).Add(costUSD)
	}
}

func (m *Metrics) RecordJobFinished(status string, cacheHit bool) {
	if m == nil {
		return
	}
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	m.JobsFinished.WithLabelValues(status, cache).Inc()
}

func (m *Metrics) RecordBatchItem(outcome string) {
	if m == nil {
		return
	}
	m.BatchItemsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WorkerAcquired() {
	if m == nil {
		return
	}
	m.WorkersBusy.Inc()
}

func (m *Metrics) WorkerReleased() {
	if m == nil {
		return
	}
	m.WorkersBusy.Dec()
}

func (m *Metrics) RecordReviewTransition(changeType string) {
	if m == nil {
		return
	}
	m.ReviewTransitions.WithLabelValues(changeType).Inc()
}

// SetCacheProvider publishes the rollup of one provider.
func (m *Metrics) SetCacheProvider(provider string, hitRate, costSaved float64, active int64) {
	if m == nil {
		return
	}
	m.CacheHitRate.WithLabelValues(provider).Set(hitRate)
	m.CacheCostSaved.WithLabelValues(provider).Set(costSaved)
	m.CacheActive.WithLabelValues(provider).Set(float64(active))
}

func (m *Metrics) SetQueue(depth int64, oldestAgeSeconds float64, stuck int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
	m.OldestPendingAge.Set(oldestAgeSeconds)
	m.StuckJobs.Set(float64(stuck))
}
