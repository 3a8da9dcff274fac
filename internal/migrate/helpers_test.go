package migrate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/jobstore"
	"github.com/tkivela/collabsync-go/internal/lifecycle"
	"github.com/tkivela/collabsync-go/internal/platform"
)

// fakeAPI is an in-memory platform backend. Listing without an Extra filter
// pages through the collection; listing with one is a match lookup and
// returns the whole collection for the matcher to confirm.
type fakeAPI struct {
	mu          sync.Mutex
	collections map[string][]platform.Item
	nextID      int

	listOffsets []int
	createErr   func(fields map[string]any) error
	deleteErr   func(itemID string) error
	created     int
	updated     int
	deleted     []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{collections: make(map[string][]platform.Item)}
}

func (f *fakeAPI) seed(collectionID string, items ...platform.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[collectionID] = append(f.collections[collectionID], items...)
}

func (f *fakeAPI) ListItems(_ context.Context, req platform.ListRequest) (*platform.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.collections[req.CollectionID]

	if req.Filter != nil && req.Filter.Extra != nil {
		out := items
		if len(out) > req.Limit {
			out = out[:req.Limit]
		}
		return &platform.ListResponse{Items: append([]platform.Item(nil), out...), Total: len(items)}, nil
	}

	f.listOffsets = append(f.listOffsets, req.Offset)
	start := req.Offset
	if start > len(items) {
		start = len(items)
	}
	end := start + req.Limit
	if end > len(items) {
		end = len(items)
	}
	return &platform.ListResponse{
		Items: append([]platform.Item(nil), items[start:end]...),
		Total: len(items),
	}, nil
}

func (f *fakeAPI) CreateItem(_ context.Context, collectionID string, fields map[string]any) (*platform.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		if err := f.createErr(fields); err != nil {
			return nil, err
		}
	}
	f.nextID++
	f.created++
	item := platform.Item{
		ID:        fmt.Sprintf("t-%d", f.nextID),
		CreatedAt: time.Now(),
		Fields:    fields,
	}
	f.collections[collectionID] = append(f.collections[collectionID], item)
	return &item, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, itemID string, fields map[string]any) (*platform.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for collection, items := range f.collections {
		for i := range items {
			if items[i].ID == itemID {
				for k, v := range fields {
					items[i].Fields[k] = v
				}
				f.updated++
				f.collections[collection] = items
				item := items[i]
				return &item, nil
			}
		}
	}
	return nil, errors.Newf("item %s not found", itemID).
		Category(errors.CategoryNotFound).
		Build()
}

func (f *fakeAPI) DeleteItem(_ context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		if err := f.deleteErr(itemID); err != nil {
			return err
		}
	}
	for collection, items := range f.collections {
		for i := range items {
			if items[i].ID == itemID {
				f.collections[collection] = append(items[:i:i], items[i+1:]...)
				f.deleted = append(f.deleted, itemID)
				return nil
			}
		}
	}
	return errors.Newf("item %s not found", itemID).
		Category(errors.CategoryNotFound).
		Build()
}

// memFailureLog collects failure records in memory.
type memFailureLog struct {
	mu      sync.Mutex
	records []platform.FailureRecord
}

func (l *memFailureLog) Append(record platform.FailureRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *memFailureLog) all() []platform.FailureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]platform.FailureRecord(nil), l.records...)
}

type runnerFixture struct {
	store       *jobstore.FileStore
	api         *fakeAPI
	coordinator *lifecycle.Coordinator
	failures    *memFailureLog
	runner      *Runner
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	store, err := jobstore.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	api := newFakeAPI()
	monitor := lifecycle.NewMonitor(store, 0, nil)
	coordinator := lifecycle.NewCoordinator(store, monitor, nil,
		lifecycle.WithPausePollInterval(10*time.Millisecond))
	failures := &memFailureLog{}

	runner, err := NewRunner(RunnerConfig{
		Store:       store,
		API:         api,
		Matcher:     NewMatcher(api),
		Monitor:     monitor,
		Coordinator: coordinator,
		FailureLog:  failures,
	})
	require.NoError(t, err)

	return &runnerFixture{
		store:       store,
		api:         api,
		coordinator: coordinator,
		failures:    failures,
		runner:      runner,
	}
}

func sourceItem(id, name string) platform.Item {
	return platform.Item{
		ID:        id,
		Title:     name,
		CreatedAt: time.Now(),
		Fields:    map[string]any{"f-name": name},
	}
}

func migrationMetadata(overrides map[string]any) map[string]any {
	meta := map[string]any{
		"fieldMapping": map[string]any{"f-name": "t-name"},
		"mode":         "create",
		"batchSize":    2,
		"concurrency":  2,
	}
	for k, v := range overrides {
		meta[k] = v
	}
	return meta
}
