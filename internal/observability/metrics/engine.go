// Package metrics provides custom Prometheus metrics for the migration and
// cleanup engines.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics contains all Prometheus metrics related to job engine
// operations.
type EngineMetrics struct {
	ItemsProcessed      *prometheus.CounterVec
	ItemFailures        *prometheus.CounterVec
	BatchesCheckpointed prometheus.Counter
	BatchDuration       prometheus.Histogram
	RateLimitPauses     prometheus.Counter
	MatchCacheHits      prometheus.Counter
	MatchCacheMisses    prometheus.Counter
	ItemsDeleted        prometheus.Counter
	DuplicateGroups     prometheus.Gauge
	ActiveJobs          prometheus.Gauge
	registry            *prometheus.Registry
}

// NewEngineMetrics creates a new instance of EngineMetrics registered on the
// given registry.
func NewEngineMetrics(registry *prometheus.Registry) (*EngineMetrics, error) {
	m := &EngineMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize engine metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register engine metrics: %w", err)
	}
	return m, nil
}

func (m *EngineMetrics) initMetrics() error {
	m.ItemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_items_processed_total",
		Help: "Total number of items processed, partitioned by outcome",
	}, []string{"outcome"})

	m.ItemFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_item_failures_total",
		Help: "Total number of per-item failures, partitioned by category",
	}, []string{"category"})

	m.BatchesCheckpointed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_batches_checkpointed_total",
		Help: "Total number of batches completed and checkpointed",
	})

	m.BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_batch_duration_seconds",
		Help:    "Wall-clock duration of one batch in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	m.RateLimitPauses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_rate_limit_pauses_total",
		Help: "Total number of pauses taken because the platform rate limit was hit",
	})

	m.MatchCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_match_cache_hits_total",
		Help: "Total number of duplicate-match lookups served from cache",
	})

	m.MatchCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_match_cache_misses_total",
		Help: "Total number of duplicate-match lookups that required an API query",
	})

	m.ItemsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_items_deleted_total",
		Help: "Total number of duplicate items deleted by cleanup jobs",
	})

	m.DuplicateGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_duplicate_groups",
		Help: "Number of duplicate groups found by the most recent detection pass",
	})

	m.ActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_active_jobs",
		Help: "Number of jobs currently running in this process",
	})

	return nil
}

// IncrementItemsProcessed increments the item counter for the given outcome
// (success, failed or skipped).
func (m *EngineMetrics) IncrementItemsProcessed(outcome string) {
	m.ItemsProcessed.WithLabelValues(outcome).Inc()
}

// IncrementItemFailures increments the failure counter for a category.
func (m *EngineMetrics) IncrementItemFailures(category string) {
	m.ItemFailures.WithLabelValues(category).Inc()
}

// IncrementBatchesCheckpointed increments the completed batch counter.
func (m *EngineMetrics) IncrementBatchesCheckpointed() {
	m.BatchesCheckpointed.Inc()
}

// ObserveBatchDuration records the duration of one batch.
func (m *EngineMetrics) ObserveBatchDuration(d time.Duration) {
	m.BatchDuration.Observe(d.Seconds())
}

// IncrementRateLimitPauses increments the rate-limit pause counter.
func (m *EngineMetrics) IncrementRateLimitPauses() {
	m.RateLimitPauses.Inc()
}

// IncrementMatchCacheHits increments the match cache hit counter.
func (m *EngineMetrics) IncrementMatchCacheHits() {
	m.MatchCacheHits.Inc()
}

// IncrementMatchCacheMisses increments the match cache miss counter.
func (m *EngineMetrics) IncrementMatchCacheMisses() {
	m.MatchCacheMisses.Inc()
}

// IncrementItemsDeleted increments the deleted item counter.
func (m *EngineMetrics) IncrementItemsDeleted() {
	m.ItemsDeleted.Inc()
}

// SetDuplicateGroups records the group count of a detection pass.
func (m *EngineMetrics) SetDuplicateGroups(n int) {
	m.DuplicateGroups.Set(float64(n))
}

// JobStarted increments the active job gauge.
func (m *EngineMetrics) JobStarted() {
	m.ActiveJobs.Inc()
}

// JobFinished decrements the active job gauge.
func (m *EngineMetrics) JobFinished() {
	m.ActiveJobs.Dec()
}

// Collect implements the prometheus.Collector interface.
func (m *EngineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ItemsProcessed.Collect(ch)
	m.ItemFailures.Collect(ch)
	ch <- m.BatchesCheckpointed
	ch <- m.BatchDuration
	ch <- m.RateLimitPauses
	ch <- m.MatchCacheHits
	ch <- m.MatchCacheMisses
	ch <- m.ItemsDeleted
	ch <- m.DuplicateGroups
	ch <- m.ActiveJobs
}

// Describe implements the prometheus.Collector interface.
func (m *EngineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ItemsProcessed.Describe(ch)
	m.ItemFailures.Describe(ch)
	ch <- m.BatchesCheckpointed.Desc()
	ch <- m.BatchDuration.Desc()
	ch <- m.RateLimitPauses.Desc()
	ch <- m.MatchCacheHits.Desc()
	ch <- m.MatchCacheMisses.Desc()
	ch <- m.ItemsDeleted.Desc()
	ch <- m.DuplicateGroups.Desc()
	ch <- m.ActiveJobs.Desc()
}
