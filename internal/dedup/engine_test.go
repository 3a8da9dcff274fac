package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/jobstore"
	"github.com/tkivela/collabsync-go/internal/lifecycle"
	"github.com/tkivela/collabsync-go/internal/platform"
)

// fakeAPI is an in-memory single-collection backend for cleanup tests.
type fakeAPI struct {
	mu        sync.Mutex
	items     map[string][]platform.Item
	deleted   []string
	listCalls int
	deleteErr func(itemID string) error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string][]platform.Item)}
}

func (f *fakeAPI) seed(collectionID string, items ...platform.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[collectionID] = append(f.items[collectionID], items...)
}

func (f *fakeAPI) ListItems(_ context.Context, req platform.ListRequest) (*platform.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	items := f.items[req.CollectionID]
	start := min(req.Offset, len(items))
	end := min(start+req.Limit, len(items))
	return &platform.ListResponse{
		Items: append([]platform.Item(nil), items[start:end]...),
		Total: len(items),
	}, nil
}

func (f *fakeAPI) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeAPI) CreateItem(context.Context, string, map[string]any) (*platform.Item, error) {
	panic("cleanup never creates items")
}

func (f *fakeAPI) UpdateItem(context.Context, string, map[string]any) (*platform.Item, error) {
	panic("cleanup never updates items")
}

func (f *fakeAPI) DeleteItem(_ context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		if err := f.deleteErr(itemID); err != nil {
			return err
		}
	}
	f.deleted = append(f.deleted, itemID)
	return nil
}

type fixture struct {
	store       *jobstore.FileStore
	api         *fakeAPI
	coordinator *lifecycle.Coordinator
	engine      *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := jobstore.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	api := newFakeAPI()
	monitor := lifecycle.NewMonitor(store, 0, nil)
	coordinator := lifecycle.NewCoordinator(store, monitor, nil,
		lifecycle.WithPausePollInterval(10*time.Millisecond))

	engine, err := NewEngine(EngineConfig{
		Store:       store,
		API:         api,
		Monitor:     monitor,
		Coordinator: coordinator,
	})
	require.NoError(t, err)
	return &fixture{store: store, api: api, coordinator: coordinator, engine: engine}
}

func collectionItem(id, name string, createdAgo time.Duration) platform.Item {
	return platform.Item{
		ID:        id,
		Title:     name,
		CreatedAt: time.Now().Add(-createdAgo),
		Fields:    map[string]any{"f-name": name},
	}
}

func cleanupJob(t *testing.T, f *fixture, overrides map[string]any) *jobstore.Job {
	t.Helper()
	meta := map[string]any{
		"matchFieldId": "f-name",
		"keepStrategy": "oldest",
		"batchSize":    2,
		"concurrency":  2,
	}
	for k, v := range overrides {
		meta[k] = v
	}
	job, err := f.store.Create(jobstore.JobTypeCleanup, "app-1", "", meta)
	require.NoError(t, err)
	return job
}

func seedAcmeCollection(f *fixture) {
	// Three spellings of the same value plus two singletons; only the
	// normalized "acme" group survives detection.
	f.api.seed("app-1",
		collectionItem("a-1", "Acme", 3*time.Hour),
		collectionItem("a-2", " acme", 2*time.Hour),
		collectionItem("a-3", "ACME", time.Hour),
		collectionItem("b-1", "Beta", time.Hour),
		collectionItem("c-1", "Gamma", time.Hour))
}

func TestRunKeepOldest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedAcmeCollection(f)
	job := cleanupJob(t, f, nil)

	result, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, 1, result.TotalGroups)
	assert.Equal(t, 2, result.TotalItemsToDelete)
	assert.Equal(t, 2, result.DeletedItems)
	assert.Zero(t, result.FailedDeletions)

	// a-1 is the oldest and must survive.
	assert.ElementsMatch(t, []string{"a-2", "a-3"}, f.api.deleted)

	loaded, _, err := f.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.Progress)
	assert.Equal(t, 1, loaded.Progress.TotalGroups)
	assert.Equal(t, 1, loaded.Progress.ProcessedGroups)
	assert.Equal(t, 2, loaded.Progress.DeletedItems)
}

func TestRunKeepNewest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedAcmeCollection(f)
	job := cleanupJob(t, f, map[string]any{"keepStrategy": "newest"})

	result, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.DeletedItems)
	assert.ElementsMatch(t, []string{"a-1", "a-2"}, f.api.deleted)
}

func TestRunDryRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedAcmeCollection(f)
	job := cleanupJob(t, f, map[string]any{"dryRun": true})

	result, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.True(t, result.Completed)
	assert.Equal(t, 1, result.TotalGroups)
	assert.Equal(t, 2, result.TotalItemsToDelete)
	require.Len(t, result.Groups, 1)
	assert.Len(t, result.Groups[0].Items, 3)
	assert.Empty(t, f.api.deleted, "dry run must never delete")

	loaded, _, err := f.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, loaded.Status)
}

func TestManualApprovalFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedAcmeCollection(f)
	// A second duplicate group the caller will leave unapproved.
	f.api.seed("app-1",
		collectionItem("d-1", "Delta", 2*time.Hour),
		collectionItem("d-2", "delta", time.Hour))
	job := cleanupJob(t, f, map[string]any{"keepStrategy": "manual"})

	result, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, result.WaitingApproval)
	assert.False(t, result.Completed)
	require.Len(t, result.Groups, 2)
	assert.Empty(t, f.api.deleted, "manual mode must not delete before approval")

	loaded, _, err := f.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusWaitingApproval, loaded.Status)
	assert.Contains(t, loaded.Metadata, "duplicateGroups")

	// Approve only the acme group, keeping a-2.
	groups := result.Groups
	for i := range groups {
		if groups[i].MatchValue == "acme" {
			groups[i].Approved = true
			groups[i].KeepItemID = "a-2"
			groups[i].DeleteItemIDs = nil
		}
	}

	execResult, err := f.engine.Execute(context.Background(), job.ID, groups)
	require.NoError(t, err)
	assert.True(t, execResult.Completed)
	assert.Equal(t, 1, execResult.TotalGroups)
	assert.Equal(t, 2, execResult.DeletedItems)
	assert.ElementsMatch(t, []string{"a-1", "a-3"}, f.api.deleted,
		"only the approved group's non-keep items may be deleted")
}

func TestExecuteRejectsApprovedGroupWithoutKeep(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedAcmeCollection(f)
	job := cleanupJob(t, f, map[string]any{"keepStrategy": "manual"})

	result, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)

	groups := result.Groups
	groups[0].Approved = true // no KeepItemID chosen

	_, err = f.engine.Execute(context.Background(), job.ID, groups)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Empty(t, f.api.deleted)
}

func TestFailedDeletionsAreCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedAcmeCollection(f)
	f.api.deleteErr = func(itemID string) error {
		if itemID == "a-3" {
			return errors.Newf("no delete permission").
				Category(errors.CategoryPermission).
				Build()
		}
		return nil
	}
	job := cleanupJob(t, f, nil)

	result, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, 1, result.DeletedItems)
	assert.Equal(t, 1, result.FailedDeletions)

	loaded, _, err := f.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, loaded.Status)
	require.NotEmpty(t, loaded.Errors)
	assert.Equal(t, jobstore.CodeCleanupDeletionFailed, loaded.Errors[len(loaded.Errors)-1].Code)
}

func TestRunRejectsWrongState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := cleanupJob(t, f, nil)
	completedAt := time.Now()
	require.NoError(t, f.store.UpdateStatus(job.ID, jobstore.StatusCompleted, &completedAt))

	_, err := f.engine.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))

	_, err = f.engine.Execute(context.Background(), job.ID, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))

	_, err = f.engine.Run(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRunPausedDuringDetectionResumes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedAcmeCollection(f)
	job := cleanupJob(t, f, nil)

	pauseErr := make(chan error, 1)
	go func() {
		pauseErr <- f.coordinator.RequestPause(context.Background(), job.ID)
	}()
	require.Eventually(t, func() bool { return f.coordinator.PauseRequested(job.ID) },
		time.Second, 5*time.Millisecond)

	result, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, result.Paused)
	assert.Equal(t, job.ID, result.ResumeToken, "the job id doubles as the resume token")
	assert.Empty(t, f.api.deleted)
	require.NoError(t, <-pauseErr)

	loaded, _, err := f.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusPaused, loaded.Status)
	assert.NotContains(t, loaded.Metadata, "duplicateGroups",
		"a detection pause keeps no partial grouping")
	assert.False(t, f.coordinator.PauseRequested(job.ID), "pause flag must be consumed")

	// A second Run re-detects from scratch and finishes the cleanup.
	resumed, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, resumed.Completed)
	assert.ElementsMatch(t, []string{"a-2", "a-3"}, f.api.deleted)

	final, _, err := f.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, final.Status)
}

func TestRunPausedBetweenGroupsResumesParkedGroups(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedAcmeCollection(f)
	// A second duplicate group so there is something left after the pause.
	f.api.seed("app-1",
		collectionItem("d-1", "Delta", 2*time.Hour),
		collectionItem("d-2", "delta", time.Hour))
	job := cleanupJob(t, f, nil)

	// The first deletion files a pause request and waits for the flag to
	// become visible, so the engine sees it before moving to the next group.
	pauseErr := make(chan error, 1)
	var once sync.Once
	f.api.deleteErr = func(string) error {
		once.Do(func() {
			go func() {
				pauseErr <- f.coordinator.RequestPause(context.Background(), job.ID)
			}()
			for !f.coordinator.PauseRequested(job.ID) {
				time.Sleep(time.Millisecond)
			}
		})
		return nil
	}

	result, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, result.Paused)
	assert.Equal(t, job.ID, result.ResumeToken)
	assert.ElementsMatch(t, []string{"a-2", "a-3"}, f.api.deleted,
		"the acme group finishes before the pause takes effect")
	require.NoError(t, <-pauseErr)

	loaded, _, err := f.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusPaused, loaded.Status)
	assert.Contains(t, loaded.Metadata, "duplicateGroups",
		"unprocessed groups must be parked for resume")
	require.NotNil(t, loaded.Progress)
	assert.Equal(t, 1, loaded.Progress.ProcessedGroups)
	assert.Equal(t, 2, loaded.Progress.DeletedItems)

	listCallsAtPause := f.api.listCallCount()

	resumed, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, resumed.Completed)
	assert.Equal(t, listCallsAtPause, f.api.listCallCount(),
		"resume must continue deletion without re-scanning the collection")
	assert.ElementsMatch(t, []string{"a-2", "a-3", "d-2"}, f.api.deleted)

	final, _, err := f.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, final.Status)
	assert.NotContains(t, final.Metadata, "duplicateGroups")
	require.NotNil(t, final.Progress)
	assert.Equal(t, 2, final.Progress.ProcessedGroups)
	assert.Equal(t, 3, final.Progress.DeletedItems)
}

func TestSingletonsAreDiscarded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.api.seed("app-1",
		collectionItem("b-1", "Beta", time.Hour),
		collectionItem("c-1", "Gamma", time.Hour))
	job := cleanupJob(t, f, nil)

	result, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Zero(t, result.TotalGroups)
	assert.Empty(t, f.api.deleted)
}
