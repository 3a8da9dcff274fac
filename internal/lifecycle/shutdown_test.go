package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/jobstore"
)

func newTestCoordinator(t *testing.T, opts ...CoordinatorOption) (*jobstore.FileStore, *Coordinator) {
	t.Helper()
	store, err := jobstore.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	monitor := NewMonitor(store, DefaultStalenessThreshold, nil)
	base := []CoordinatorOption{
		WithPauseWaitTimeout(2 * time.Second),
		WithPausePollInterval(20 * time.Millisecond),
	}
	return store, NewCoordinator(store, monitor, nil, append(base, opts...)...)
}

func TestRequestPauseOnCompletedJobReturnsImmediately(t *testing.T) {
	t.Parallel()

	store, coordinator := newTestCoordinator(t)
	job, err := store.Create(jobstore.JobTypeItemMigration, "a", "b", nil)
	require.NoError(t, err)
	completedAt := time.Now()
	require.NoError(t, store.UpdateStatus(job.ID, jobstore.StatusCompleted, &completedAt))

	before, _, err := store.Get(job.ID)
	require.NoError(t, err)

	require.NoError(t, coordinator.RequestPause(context.Background(), job.ID))

	after, _, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, after.Status)
	assert.Equal(t, before.CompletedAt.Unix(), after.CompletedAt.Unix(), "timestamps must be untouched")
	assert.Empty(t, after.Errors)
}

func TestRequestPauseOnAbsentJob(t *testing.T) {
	t.Parallel()

	_, coordinator := newTestCoordinator(t)
	err := coordinator.RequestPause(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRequestPauseForceCancelsOrphan(t *testing.T) {
	t.Parallel()

	store, coordinator := newTestCoordinator(t)
	// In-progress with an ancient heartbeat: the owning process is gone.
	job, err := store.Create(jobstore.JobTypeItemMigration, "a", "b", nil)
	require.NoError(t, err)
	require.NoError(t, store.Update(job.ID, func(j *jobstore.Job) error {
		j.Status = jobstore.StatusInProgress
		j.StartedAt = time.Now().Add(-time.Hour)
		hb := time.Now().Add(-30 * time.Minute)
		j.LastHeartbeat = &hb
		return nil
	}))

	require.NoError(t, coordinator.RequestPause(context.Background(), job.ID))

	loaded, _, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCancelled, loaded.Status)
	require.NotEmpty(t, loaded.Errors)
	assert.Equal(t, jobstore.CodeStaleJobForceCancel, loaded.Errors[len(loaded.Errors)-1].Code)
}

func TestRequestPauseWaitsForEngine(t *testing.T) {
	t.Parallel()

	store, coordinator := newTestCoordinator(t)
	job, err := store.Create(jobstore.JobTypeItemMigration, "a", "b", nil)
	require.NoError(t, err)
	require.NoError(t, store.Update(job.ID, func(j *jobstore.Job) error {
		j.Status = jobstore.StatusInProgress
		j.StartedAt = time.Now()
		return nil
	}))

	// Simulated engine: honors the pause flag between "batches".
	go func() {
		for !coordinator.PauseRequested(job.ID) {
			time.Sleep(10 * time.Millisecond)
		}
		_ = store.UpdateStatus(job.ID, jobstore.StatusPaused, nil)
		coordinator.ClearPauseRequest(job.ID)
	}()

	require.NoError(t, coordinator.RequestPause(context.Background(), job.ID))

	loaded, _, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusPaused, loaded.Status)
	assert.False(t, coordinator.PauseRequested(job.ID))
}

func TestRequestPauseTimesOut(t *testing.T) {
	t.Parallel()

	store, coordinator := newTestCoordinator(t, WithPauseWaitTimeout(150*time.Millisecond))
	job, err := store.Create(jobstore.JobTypeItemMigration, "a", "b", nil)
	require.NoError(t, err)
	require.NoError(t, store.Update(job.ID, func(j *jobstore.Job) error {
		j.Status = jobstore.StatusInProgress
		j.StartedAt = time.Now()
		return nil
	}))

	// No engine is polling, but the job is within its startup grace window
	// so it is not treated as orphaned.
	err = coordinator.RequestPause(context.Background(), job.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))
	assert.Contains(t, err.Error(), "force-cancel")
}

func TestShutdownInvokesCallbacksAndFlushes(t *testing.T) {
	t.Parallel()

	_, coordinator := newTestCoordinator(t)

	var calls, flushes atomic.Int32
	coordinator.RegisterActive("job-1", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	coordinator.RegisterActive("job-2", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	coordinator.RegisterFlush(func() error {
		flushes.Add(1)
		return nil
	})

	require.NoError(t, coordinator.Shutdown(context.Background()))
	assert.True(t, coordinator.ShutdownRequested())
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, flushes.Load())
}

func TestShutdownPropagatesCallbackFailure(t *testing.T) {
	t.Parallel()

	_, coordinator := newTestCoordinator(t)
	coordinator.RegisterActive("job-1", func(ctx context.Context) error {
		return errors.NewStd("checkpoint write failed")
	})

	err := coordinator.Shutdown(context.Background())
	require.Error(t, err)
}

func TestActiveRegistry(t *testing.T) {
	t.Parallel()

	_, coordinator := newTestCoordinator(t)
	coordinator.RegisterActive("job-1", func(ctx context.Context) error { return nil })
	assert.Equal(t, []string{"job-1"}, coordinator.ActiveJobs())

	coordinator.UnregisterActive("job-1")
	assert.Empty(t, coordinator.ActiveJobs())
}
