package migrate

import (
	"time"

	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/jobstore"
	"github.com/tkivela/collabsync-go/internal/platform"
)

// Mode selects how mapped records are written to the target collection.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeUpdate Mode = "update"
	ModeUpsert Mode = "upsert"
)

// ConflictPolicy decides what create mode does when a duplicate already
// exists in the target collection.
type ConflictPolicy string

const (
	ConflictSkip   ConflictPolicy = "skip"
	ConflictError  ConflictPolicy = "error"
	ConflictUpdate ConflictPolicy = "update"
)

// Options is the migration plan parsed from a job's metadata.
type Options struct {
	SourceCollectionID string
	TargetCollectionID string

	// FieldMapping maps source external field ids to target external
	// field ids. Unmapped source fields are dropped.
	FieldMapping map[string]string

	Mode Mode

	// Match fields drive duplicate/update targeting. Empty means create
	// mode writes blindly.
	MatchFieldSource string
	MatchFieldTarget string
	MatchFieldType   FieldType

	ConflictPolicy ConflictPolicy

	BatchSize   int
	Concurrency int
	StopOnError bool

	CreatedFrom *time.Time
	CreatedTo   *time.Time
	EditedFrom  *time.Time
	EditedTo    *time.Time
}

// OptionsFromJob parses and validates a migration plan from the job
// document. Zero batch size and concurrency fall back to the given
// defaults.
func OptionsFromJob(job *jobstore.Job, defaultBatchSize, defaultConcurrency int) (*Options, error) {
	meta := job.Metadata
	opts := &Options{
		SourceCollectionID: job.SourceRef,
		TargetCollectionID: job.TargetRef,
		FieldMapping:       metaStringMap(meta, "fieldMapping"),
		Mode:               Mode(metaString(meta, "mode")),
		MatchFieldSource:   metaString(meta, "matchFieldSource"),
		MatchFieldTarget:   metaString(meta, "matchFieldTarget"),
		MatchFieldType:     FieldType(metaString(meta, "matchFieldType")),
		ConflictPolicy:     ConflictPolicy(metaString(meta, "conflictPolicy")),
		BatchSize:          metaInt(meta, "batchSize"),
		Concurrency:        metaInt(meta, "concurrency"),
		StopOnError:        metaBool(meta, "stopOnError"),
		CreatedFrom:        metaTime(meta, "createdFrom"),
		CreatedTo:          metaTime(meta, "createdTo"),
		EditedFrom:         metaTime(meta, "editedFrom"),
		EditedTo:           metaTime(meta, "editedTo"),
	}

	if opts.Mode == "" {
		opts.Mode = ModeCreate
	}
	if opts.MatchFieldType == "" {
		opts.MatchFieldType = FieldText
	}
	if opts.ConflictPolicy == "" {
		opts.ConflictPolicy = ConflictSkip
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	if err := opts.validate(job.ID); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) validate(jobID string) error {
	fail := func(format string, args ...any) error {
		return errors.Newf(format, args...).
			Category(errors.CategoryValidation).
			Context("job_id", jobID).
			Component("migrate").
			Build()
	}

	if o.SourceCollectionID == "" {
		return fail("job %s: source collection is required", jobID)
	}
	if o.TargetCollectionID == "" {
		return fail("job %s: target collection is required", jobID)
	}
	switch o.Mode {
	case ModeCreate, ModeUpdate, ModeUpsert:
	default:
		return fail("job %s: unknown migration mode %q", jobID, o.Mode)
	}
	switch o.ConflictPolicy {
	case ConflictSkip, ConflictError, ConflictUpdate:
	default:
		return fail("job %s: unknown conflict policy %q", jobID, o.ConflictPolicy)
	}
	if (o.Mode == ModeUpdate || o.Mode == ModeUpsert) && (o.MatchFieldSource == "" || o.MatchFieldTarget == "") {
		return fail("job %s: mode %s requires matchFieldSource and matchFieldTarget", jobID, o.Mode)
	}
	if len(o.FieldMapping) == 0 {
		return fail("job %s: field mapping is required", jobID)
	}
	if o.BatchSize <= 0 || o.Concurrency <= 0 {
		return fail("job %s: batch size and concurrency must be positive", jobID)
	}
	return nil
}

// needsMatch reports whether item processing performs a duplicate lookup.
// Create mode looks up too when match fields are configured, to enforce the
// conflict policy.
func (o *Options) needsMatch() bool {
	return o.MatchFieldSource != "" && o.MatchFieldTarget != ""
}

// filter builds the server-side listing filter from the date bounds.
func (o *Options) filter() *platform.ItemFilter {
	if o.CreatedFrom == nil && o.CreatedTo == nil && o.EditedFrom == nil && o.EditedTo == nil {
		return nil
	}
	return &platform.ItemFilter{
		CreatedFrom: o.CreatedFrom,
		CreatedTo:   o.CreatedTo,
		EditedFrom:  o.EditedFrom,
		EditedTo:    o.EditedTo,
	}
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case float64:
		// JSON numbers decode as float64.
		return int(v)
	}
	return 0
}

func metaBool(meta map[string]any, key string) bool {
	if v, ok := meta[key].(bool); ok {
		return v
	}
	return false
}

func metaTime(meta map[string]any, key string) *time.Time {
	s := metaString(meta, key)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func metaStringMap(meta map[string]any, key string) map[string]string {
	raw, ok := meta[key].(map[string]any)
	if !ok {
		// A freshly created job may still hold the typed map.
		if typed, ok := meta[key].(map[string]string); ok {
			return typed
		}
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
