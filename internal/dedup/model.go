// Package dedup implements the duplicate cleanup engine: detection groups a
// collection's items by normalized match key, an optional manual-approval
// gate decides what survives, and batched concurrent deletion removes the
// rest.
package dedup

import (
	"time"

	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/jobstore"
	"github.com/tkivela/collabsync-go/internal/migrate"
)

// KeepStrategy selects which member of a duplicate group survives.
type KeepStrategy string

const (
	KeepOldest KeepStrategy = "oldest"
	KeepNewest KeepStrategy = "newest"
	// KeepManual defers the choice to the caller via the approval gate.
	KeepManual KeepStrategy = "manual"
)

// DuplicateItem is one member of a duplicate group.
type DuplicateItem struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	CreatedAt    time.Time      `json:"createdAt"`
	EditedAt     time.Time      `json:"editedAt"`
	RawValue     any            `json:"rawValue"`
	FieldPreview map[string]any `json:"fieldPreview,omitempty"`
}

// DuplicateGroup aggregates the items sharing one normalized match value.
// Detection creates groups, approval mutates them, deletion consumes them.
type DuplicateGroup struct {
	MatchValue    string          `json:"matchValue"`
	Items         []DuplicateItem `json:"items"`
	KeepItemID    string          `json:"keepItemId,omitempty"`
	DeleteItemIDs []string        `json:"deleteItemIds"`
	Approved      bool            `json:"approved"`
}

// Options is the cleanup plan parsed from a job's metadata. Cleanup is
// always self-to-self: one collection, identified by the job's source ref.
type Options struct {
	CollectionID   string
	MatchFieldID   string
	MatchFieldType migrate.FieldType
	KeepStrategy   KeepStrategy
	DryRun         bool
	BatchSize      int
	Concurrency    int
}

// OptionsFromJob parses and validates a cleanup plan from the job document.
func OptionsFromJob(job *jobstore.Job, defaultBatchSize, defaultConcurrency int) (*Options, error) {
	fail := func(format string, args ...any) error {
		return errors.Newf(format, args...).
			Category(errors.CategoryValidation).
			Context("job_id", job.ID).
			Component("dedup").
			Build()
	}

	opts := &Options{
		CollectionID:   job.SourceRef,
		MatchFieldID:   metaString(job.Metadata, "matchFieldId"),
		MatchFieldType: migrate.FieldType(metaString(job.Metadata, "matchFieldType")),
		KeepStrategy:   KeepStrategy(metaString(job.Metadata, "keepStrategy")),
		DryRun:         metaBool(job.Metadata, "dryRun"),
		BatchSize:      metaInt(job.Metadata, "batchSize"),
		Concurrency:    metaInt(job.Metadata, "concurrency"),
	}

	if opts.MatchFieldType == "" {
		opts.MatchFieldType = migrate.FieldText
	}
	if opts.KeepStrategy == "" {
		opts.KeepStrategy = KeepOldest
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	if opts.CollectionID == "" {
		return nil, fail("job %s: collection is required", job.ID)
	}
	if opts.MatchFieldID == "" {
		return nil, fail("job %s: matchFieldId is required", job.ID)
	}
	switch opts.KeepStrategy {
	case KeepOldest, KeepNewest, KeepManual:
	default:
		return nil, fail("job %s: unknown keep strategy %q", job.ID, opts.KeepStrategy)
	}
	return opts, nil
}

// selectKeep chooses the surviving item and derives the delete list. Manual
// strategy leaves the choice to the caller.
func (g *DuplicateGroup) selectKeep(strategy KeepStrategy) {
	if strategy == KeepManual || len(g.Items) == 0 {
		// No keep choice yet, so nothing is marked for deletion.
		return
	}
	keep := g.Items[0]
	for _, item := range g.Items[1:] {
		switch strategy {
		case KeepNewest:
			if item.CreatedAt.After(keep.CreatedAt) {
				keep = item
			}
		default: // KeepOldest
			if item.CreatedAt.Before(keep.CreatedAt) {
				keep = item
			}
		}
	}
	g.KeepItemID = keep.ID
	g.deriveDeleteIDs()
}

// deriveDeleteIDs recomputes DeleteItemIDs from the members and the current
// keep choice.
func (g *DuplicateGroup) deriveDeleteIDs() {
	g.DeleteItemIDs = g.DeleteItemIDs[:0]
	for _, item := range g.Items {
		if item.ID != g.KeepItemID {
			g.DeleteItemIDs = append(g.DeleteItemIDs, item.ID)
		}
	}
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func metaBool(meta map[string]any, key string) bool {
	if v, ok := meta[key].(bool); ok {
		return v
	}
	return false
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
