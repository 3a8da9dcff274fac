package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewEngineMetrics(registry)
	require.NoError(t, err)
	require.NotNil(t, m)

	// Registering the same collector twice must fail.
	_, err = NewEngineMetrics(registry)
	require.Error(t, err)
}

func TestEngineMetricsCounters(t *testing.T) {
	t.Parallel()

	m, err := NewEngineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.IncrementItemsProcessed("success")
	m.IncrementItemsProcessed("success")
	m.IncrementItemsProcessed("failed")
	m.IncrementItemFailures("rate_limit")
	m.IncrementBatchesCheckpointed()
	m.IncrementRateLimitPauses()
	m.IncrementMatchCacheHits()
	m.IncrementMatchCacheMisses()
	m.IncrementItemsDeleted()
	m.SetDuplicateGroups(4)
	m.ObserveBatchDuration(2 * time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(m.ItemsProcessed.WithLabelValues("success")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ItemsProcessed.WithLabelValues("failed")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ItemFailures.WithLabelValues("rate_limit")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BatchesCheckpointed), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RateLimitPauses), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MatchCacheHits), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MatchCacheMisses), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ItemsDeleted), 0.001)
	assert.InDelta(t, 4, testutil.ToFloat64(m.DuplicateGroups), 0.001)
}

func TestActiveJobsGauge(t *testing.T) {
	t.Parallel()

	m, err := NewEngineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.JobStarted()
	m.JobStarted()
	m.JobFinished()
	assert.InDelta(t, 1, testutil.ToFloat64(m.ActiveJobs), 0.001)
}
