package jobstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkivela/collabsync-go/internal/errors"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return store
}

func createTestJob(t *testing.T, store *FileStore) *Job {
	t.Helper()
	job, err := store.Create(JobTypeItemMigration, "app-123", "app-456", map[string]any{
		"batchSize": 100,
	})
	require.NoError(t, err)
	return job
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	require.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPlanning, job.Status)
	assert.Equal(t, "app-123", job.SourceRef)
	assert.False(t, job.StartedAt.IsZero())

	loaded, found, err := store.Get(job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, JobTypeItemMigration, loaded.JobType)
	assert.EqualValues(t, 100, loaded.Metadata["batchSize"])
}

func TestGetAbsentIsFirstClass(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job, found, err := store.Get("no-such-job")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, job)
}

func TestSaveSurvivesInterruptedWrite(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	// Simulate a writer killed after the temp-file write but before the
	// rename: a stray temp file next to the canonical document.
	strayTemp := filepath.Join(store.Root(), job.ID+".deadbeef.tmp")
	require.NoError(t, os.WriteFile(strayTemp, []byte("partial write"), 0o600))

	loaded, found, err := store.Get(job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusPlanning, loaded.Status, "previous valid document must remain intact")
}

func TestCorruptedDocumentQuarantined(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	canonical := filepath.Join(store.Root(), job.ID+".json")
	require.NoError(t, os.WriteFile(canonical, []byte("{not json"), 0o600))

	loaded, found, err := store.Get(job.ID)
	require.NoError(t, err, "corruption must degrade to not-found, not an error")
	assert.False(t, found)
	assert.Nil(t, loaded)

	matches, err := filepath.Glob(canonical + ".corrupted-*")
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "corrupted document must be preserved as a timestamped backup")
}

func TestMutatingAbsentJobFailsLoudly(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	err := store.UpdateStatus("ghost", StatusFailed, nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	err = store.IncrementFailedCounts("ghost", map[string]int{"network": 1})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestUpdateFailedMutationLeavesDocumentUnchanged(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	mutationErr := errors.NewStd("mapping rejected")
	err := store.Update(job.ID, func(j *Job) error {
		j.Status = StatusFailed
		j.Metadata["poisoned"] = true
		return mutationErr
	})
	require.ErrorIs(t, err, mutationErr)

	loaded, found, err := store.Get(job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusPlanning, loaded.Status)
	assert.NotContains(t, loaded.Metadata, "poisoned")
}

func TestUpdateStatusStampsCompletion(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	completedAt := time.Now()
	require.NoError(t, store.UpdateStatus(job.ID, StatusCompleted, &completedAt))

	loaded, found, err := store.Get(job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)
	assert.WithinDuration(t, completedAt, *loaded.CompletedAt, time.Second)
}

func TestStepLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	require.NoError(t, store.AddStep(job.ID, Step{ID: "step-1", Type: "flow_clone", SourceID: "flow-9"}))

	status := StepCompleted
	targetID := "flow-9-copy"
	require.NoError(t, store.UpdateStep(job.ID, "step-1", StepUpdate{Status: &status, TargetID: &targetID}))

	loaded, _, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, StepCompleted, loaded.Steps[0].Status)
	assert.Equal(t, "flow-9-copy", loaded.Steps[0].TargetID)

	err = store.UpdateStep(job.ID, "missing-step", StepUpdate{Status: &status})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestAddErrorAppendsOnly(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	require.NoError(t, store.AddError(job.ID, JobError{Step: "batch-3", Message: "boom"}))
	require.NoError(t, store.AddError(job.ID, JobError{Step: "batch-4", Message: "boom again", Code: CodeMigrationAborted}))

	loaded, _, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Errors, 2)
	assert.Equal(t, "batch-3", loaded.Errors[0].Step)
	assert.Equal(t, CodeMigrationAborted, loaded.Errors[1].Code)
	assert.False(t, loaded.Errors[0].Timestamp.IsZero())
}

func TestCheckpointAppendAndUpdate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	require.NoError(t, store.SaveCheckpoint(job.ID, BatchCheckpoint{
		BatchNumber: 1, Offset: 0, Limit: 50, Status: "completed",
		CompletedItemIDs: []string{"t-1", "t-2"}, StartedAt: time.Now(),
	}))
	require.NoError(t, store.SaveCheckpoint(job.ID, BatchCheckpoint{
		BatchNumber: 2, Offset: 50, Limit: 50, Status: "completed",
		CompletedItemIDs: []string{"t-3"}, StartedAt: time.Now(),
	}))
	// Rewriting batch 2 must update, not append.
	require.NoError(t, store.SaveCheckpoint(job.ID, BatchCheckpoint{
		BatchNumber: 2, Offset: 50, Limit: 50, Status: "completed",
		CompletedItemIDs: []string{"t-3", "t-4"}, StartedAt: time.Now(),
	}))

	loaded, _, err := store.Get(job.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Progress.BatchCheckpoints, 2)

	latest, err := store.LatestCheckpoint(job.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.BatchNumber)
	assert.Equal(t, []string{"t-3", "t-4"}, latest.CompletedItemIDs)
}

func TestIncrementFailedCounts(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	require.NoError(t, store.IncrementFailedCounts(job.ID, map[string]int{"network": 2, "validation": 1}))
	require.NoError(t, store.IncrementFailedCounts(job.ID, map[string]int{"network": 1}))

	loaded, _, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Progress.FailedItemsByCategory["network"])
	assert.Equal(t, 1, loaded.Progress.FailedItemsByCategory["validation"])
	assert.Equal(t, 4, loaded.Progress.Failed)
}

func TestUpdateProgressPreservesOmittedFields(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	require.NoError(t, store.UpdateProgress(job.ID, &Progress{Total: 1000, Processed: 100, Successful: 90, Failed: 10}))
	// Partial update: only processed moves.
	require.NoError(t, store.UpdateProgress(job.ID, &Progress{Processed: 200}))

	loaded, _, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000, loaded.Progress.Total, "omitted total must be preserved")
	assert.Equal(t, 200, loaded.Progress.Processed)
	assert.Equal(t, 90, loaded.Progress.Successful, "omitted successful must be preserved")
}

func TestDeleteAbsentJob(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.Delete("ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestListSkipsNonJobFiles(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	createTestJob(t, store)
	createTestJob(t, store)

	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "stray.tmp"), []byte("x"), 0o600))

	jobs, err := store.List()
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestPersistedDocumentShape(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := createTestJob(t, store)

	data, err := os.ReadFile(filepath.Join(store.Root(), job.ID+".json"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "item_migration", doc["jobType"])
	assert.Equal(t, "planning", doc["status"])
	assert.Contains(t, doc, "startedAt")
}
