package jobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeProgressNilCurrent(t *testing.T) {
	t.Parallel()

	merged := MergeProgress(nil, &Progress{Total: 10, Processed: 5})
	assert.Equal(t, 10, merged.Total)
	assert.Equal(t, 5, merged.Processed)
	assert.False(t, merged.LastUpdate.IsZero())
}

func TestMergeProgressCategoryCountersAreAdditive(t *testing.T) {
	t.Parallel()

	current := &Progress{FailedItemsByCategory: map[string]int{"network": 2, "duplicate": 1}}
	merged := MergeProgress(current, &Progress{FailedItemsByCategory: map[string]int{"network": 1, "validation": 3}})

	assert.Equal(t, 3, merged.FailedItemsByCategory["network"])
	assert.Equal(t, 1, merged.FailedItemsByCategory["duplicate"])
	assert.Equal(t, 3, merged.FailedItemsByCategory["validation"])
}

func TestMergeProgressRateLimitDeltas(t *testing.T) {
	t.Parallel()

	current := &Progress{RateLimitPauses: 2, RateLimitDelayMS: 1500}
	merged := MergeProgress(current, &Progress{RateLimitPauses: 1, RateLimitDelayMS: 700})

	assert.Equal(t, 3, merged.RateLimitPauses)
	assert.EqualValues(t, 2200, merged.RateLimitDelayMS)
}

func TestMergeProgressDoesNotMutateCurrent(t *testing.T) {
	t.Parallel()

	current := &Progress{Total: 100, FailedItemsByCategory: map[string]int{"network": 1}}
	_ = MergeProgress(current, &Progress{Total: 200, FailedItemsByCategory: map[string]int{"network": 5}})

	assert.Equal(t, 100, current.Total)
	assert.Equal(t, 1, current.FailedItemsByCategory["network"])
}

func TestMergeProgressThroughputReplaced(t *testing.T) {
	t.Parallel()

	eta := time.Now().Add(time.Hour)
	current := &Progress{Throughput: &Throughput{ItemsPerSecond: 2}}
	merged := MergeProgress(current, &Progress{Throughput: &Throughput{ItemsPerSecond: 9, EstimatedCompletion: &eta}})

	require.NotNil(t, merged.Throughput)
	assert.InEpsilon(t, 9.0, merged.Throughput.ItemsPerSecond, 0.001)
	require.NotNil(t, merged.Throughput.EstimatedCompletion)
}

func TestLatestCheckpointOnJob(t *testing.T) {
	t.Parallel()

	job := &Job{Progress: &Progress{BatchCheckpoints: []BatchCheckpoint{
		{BatchNumber: 3, Offset: 100},
		{BatchNumber: 1, Offset: 0},
		{BatchNumber: 2, Offset: 50},
	}}}

	latest := job.LatestCheckpoint()
	require.NotNil(t, latest)
	assert.Equal(t, 3, latest.BatchNumber)

	assert.Nil(t, (&Job{}).LatestCheckpoint())
}
