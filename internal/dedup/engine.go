package dedup

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/jobstore"
	"github.com/tkivela/collabsync-go/internal/lifecycle"
	"github.com/tkivela/collabsync-go/internal/logging"
	"github.com/tkivela/collabsync-go/internal/migrate"
	obs "github.com/tkivela/collabsync-go/internal/observability/metrics"
	"github.com/tkivela/collabsync-go/internal/platform"
)

const (
	stepDetect = "detect_duplicates"
	stepDelete = "delete_duplicates"

	// metadataGroupsKey is where detected groups are parked while a manual
	// job waits for approval.
	metadataGroupsKey = "duplicateGroups"

	previewFieldLimit = 5
)

// EngineConfig wires the cleanup engine's collaborators. Store, API,
// Monitor and Coordinator are required.
type EngineConfig struct {
	Store       *jobstore.FileStore
	API         platform.API
	Monitor     *lifecycle.Monitor
	Coordinator *lifecycle.Coordinator

	RateLimit  platform.RateLimitState
	FailureLog platform.FailureLog
	Metrics    *obs.EngineMetrics
	Logger     *slog.Logger

	HeartbeatInterval  time.Duration
	DefaultBatchSize   int
	DefaultConcurrency int
}

// Result summarizes one cleanup run.
type Result struct {
	TotalGroups        int              `json:"totalGroups"`
	TotalItemsToDelete int              `json:"totalItemsToDelete"`
	DeletedItems       int              `json:"deletedItems"`
	FailedDeletions    int              `json:"failedDeletions"`
	DryRun             bool             `json:"dryRun"`
	WaitingApproval    bool             `json:"waitingApproval"`
	Paused             bool             `json:"paused,omitempty"`
	ResumeToken        string           `json:"resumeToken,omitempty"`
	Completed          bool             `json:"completed"`
	Groups             []DuplicateGroup `json:"groups,omitempty"`
}

// Engine executes cleanup jobs against a single collection.
type Engine struct {
	store       *jobstore.FileStore
	api         platform.API
	monitor     *lifecycle.Monitor
	coordinator *lifecycle.Coordinator
	rateLimit   platform.RateLimitState
	failureLog  platform.FailureLog
	metrics     *obs.EngineMetrics
	logger      *slog.Logger

	heartbeatInterval  time.Duration
	defaultBatchSize   int
	defaultConcurrency int
}

// NewEngine creates a cleanup engine from the given configuration.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil || cfg.API == nil || cfg.Monitor == nil || cfg.Coordinator == nil {
		return nil, errors.Newf("cleanup engine requires store, api, monitor and coordinator").
			Category(errors.CategoryConfiguration).
			Component("dedup").
			Build()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.ForService("dedup")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = lifecycle.DefaultHeartbeatInterval
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 100
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 5
	}
	return &Engine{
		store:              cfg.Store,
		api:                cfg.API,
		monitor:            cfg.Monitor,
		coordinator:        cfg.Coordinator,
		rateLimit:          cfg.RateLimit,
		failureLog:         cfg.FailureLog,
		metrics:            cfg.Metrics,
		logger:             logger,
		heartbeatInterval:  cfg.HeartbeatInterval,
		defaultBatchSize:   cfg.DefaultBatchSize,
		defaultConcurrency: cfg.DefaultConcurrency,
	}, nil
}

// Run executes a cleanup job: detection, then either deletion, the manual
// approval gate, or a dry-run summary. A paused job resumes: deletion picks
// up from the groups parked at the pause point, a job paused during
// detection re-detects from scratch.
func (e *Engine) Run(ctx context.Context, jobID string) (*Result, error) {
	job, opts, err := e.loadJob(jobID, jobstore.StatusPlanning, jobstore.StatusPaused)
	if err != nil {
		return nil, err
	}

	if job.Status == jobstore.StatusPaused {
		groups, parked, err := parkedGroups(job)
		if err != nil {
			return nil, err
		}
		if parked {
			cleanup := e.register(ctx, jobID)
			defer cleanup()
			return e.deleteGroups(ctx, jobID, opts, groups)
		}
		// Paused mid-detection: nothing partial was kept, detect again.
	}

	firstRun := job.Status == jobstore.StatusPlanning
	if err := e.store.Update(jobID, func(j *jobstore.Job) error {
		j.Status = jobstore.StatusDetecting
		now := time.Now()
		j.LastHeartbeat = &now
		if firstRun {
			j.StartedAt = now
			started := now
			j.Steps = append(j.Steps, jobstore.Step{
				ID:        stepDetect,
				Type:      stepDetect,
				SourceID:  j.SourceRef,
				Status:    jobstore.StepInProgress,
				StartedAt: &started,
			})
		}
		return nil
	}); err != nil {
		return nil, err
	}

	cleanup := e.register(ctx, jobID)
	defer cleanup()

	groups, paused, err := e.detect(ctx, jobID, opts)
	if err != nil {
		e.failJob(jobID, stepDetect, "", err)
		return nil, err
	}
	if paused {
		if err := e.store.UpdateStatus(jobID, jobstore.StatusPaused, nil); err != nil {
			return nil, err
		}
		e.coordinator.ClearPauseRequest(jobID)
		e.logger.Info("cleanup paused during detection", "job_id", jobID)
		return &Result{Paused: true, ResumeToken: jobID}, nil
	}
	if e.metrics != nil {
		e.metrics.SetDuplicateGroups(len(groups))
	}

	totalToDelete := 0
	for i := range groups {
		totalToDelete += len(groups[i].DeleteItemIDs)
	}

	if err := e.store.Update(jobID, func(j *jobstore.Job) error {
		if j.Progress == nil {
			j.Progress = &jobstore.Progress{}
		}
		j.Progress.TotalGroups = len(groups)
		j.Progress.TotalItemsToDelete = totalToDelete
		j.Progress.LastUpdate = time.Now()
		e.completeStep(j, stepDetect)
		return nil
	}); err != nil {
		return nil, err
	}

	e.logger.Info("duplicate detection finished",
		"job_id", jobID,
		"groups", len(groups),
		"items_to_delete", totalToDelete,
		"dry_run", opts.DryRun,
		"keep_strategy", opts.KeepStrategy)

	if opts.DryRun {
		// Short-circuit before any deletion.
		completedAt := time.Now()
		if err := e.store.UpdateStatus(jobID, jobstore.StatusCompleted, &completedAt); err != nil {
			return nil, err
		}
		return &Result{
			TotalGroups:        len(groups),
			TotalItemsToDelete: totalToDelete,
			DryRun:             true,
			Completed:          true,
			Groups:             groups,
		}, nil
	}

	if opts.KeepStrategy == KeepManual {
		if err := e.store.Update(jobID, func(j *jobstore.Job) error {
			j.Status = jobstore.StatusWaitingApproval
			if j.Metadata == nil {
				j.Metadata = make(map[string]any)
			}
			j.Metadata[metadataGroupsKey] = groups
			return nil
		}); err != nil {
			return nil, err
		}
		return &Result{
			TotalGroups:     len(groups),
			WaitingApproval: true,
			Groups:          groups,
		}, nil
	}

	return e.deleteGroups(ctx, jobID, opts, groups)
}

// Execute runs the deletion phase of a manual-mode job using exactly the
// caller-approved groups. Groups without the approved flag are never
// touched, regardless of what detection found.
func (e *Engine) Execute(ctx context.Context, jobID string, groups []DuplicateGroup) (*Result, error) {
	_, opts, err := e.loadJob(jobID, jobstore.StatusWaitingApproval)
	if err != nil {
		return nil, err
	}

	var approved []DuplicateGroup
	for _, group := range groups {
		if !group.Approved {
			continue
		}
		if len(group.DeleteItemIDs) == 0 && group.KeepItemID != "" {
			group.deriveDeleteIDs()
		}
		if group.KeepItemID == "" {
			return nil, errors.Newf("approved group %q has no keep item", group.MatchValue).
				Category(errors.CategoryValidation).
				Context("job_id", jobID).
				Context("match_value", group.MatchValue).
				Component("dedup").
				Build()
		}
		approved = append(approved, group)
	}

	totalToDelete := 0
	for i := range approved {
		totalToDelete += len(approved[i].DeleteItemIDs)
	}
	if err := e.store.Update(jobID, func(j *jobstore.Job) error {
		if j.Progress == nil {
			j.Progress = &jobstore.Progress{}
		}
		j.Progress.TotalGroups = len(approved)
		j.Progress.ProcessedGroups = 0
		j.Progress.TotalItemsToDelete = totalToDelete
		return nil
	}); err != nil {
		return nil, err
	}

	cleanup := e.register(ctx, jobID)
	defer cleanup()

	return e.deleteGroups(ctx, jobID, opts, approved)
}

// loadJob fetches the job, checks its state and parses the cleanup plan.
func (e *Engine) loadJob(jobID string, wantStatuses ...jobstore.JobStatus) (*jobstore.Job, *Options, error) {
	job, found, err := e.store.Get(jobID)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, errors.Newf("cleanup job %s not found", jobID).
			Category(errors.CategoryNotFound).
			Context("job_id", jobID).
			Component("dedup").
			Build()
	}
	if job.JobType != jobstore.JobTypeCleanup {
		return nil, nil, errors.Newf("job %s has type %s, expected %s", jobID, job.JobType, jobstore.JobTypeCleanup).
			Category(errors.CategoryValidation).
			Context("job_id", jobID).
			Component("dedup").
			Build()
	}
	allowed := false
	for _, want := range wantStatuses {
		if job.Status == want {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, nil, errors.Newf("job %s cannot proceed from status %s", jobID, job.Status).
			Category(errors.CategoryState).
			Context("job_id", jobID).
			Context("status", string(job.Status)).
			Component("dedup").
			Build()
	}
	opts, err := OptionsFromJob(job, e.defaultBatchSize, e.defaultConcurrency)
	if err != nil {
		return nil, nil, err
	}
	return job, opts, nil
}

// register wires the job into the shutdown coordinator and starts the
// heartbeat loop; the returned function tears both down.
func (e *Engine) register(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	e.coordinator.RegisterActive(jobID, func(cbCtx context.Context) error {
		select {
		case <-done:
			return nil
		case <-cbCtx.Done():
			return cbCtx.Err()
		}
	})

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.monitor.UpdateHeartbeat(jobID); err != nil {
					e.logger.Warn("heartbeat update failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()

	if e.metrics != nil {
		e.metrics.JobStarted()
	}
	return func() {
		close(done)
		stopHeartbeat()
		e.coordinator.UnregisterActive(jobID)
		if e.metrics != nil {
			e.metrics.JobFinished()
		}
	}
}

// detect streams the whole collection, groups items by normalized match
// value and discards singleton groups. Groups come back ordered by match
// value so runs are deterministic. Pause and shutdown flags are polled
// between pages; paused=true means the caller should park the job, no
// partial grouping is returned.
func (e *Engine) detect(ctx context.Context, jobID string, opts *Options) (groups []DuplicateGroup, paused bool, err error) {
	byValue := make(map[string][]DuplicateItem)
	offset := 0
	for {
		if e.coordinator.PauseRequested(jobID) || e.coordinator.ShutdownRequested() {
			return nil, true, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		page, err := e.api.ListItems(ctx, platform.ListRequest{
			CollectionID: opts.CollectionID,
			Offset:       offset,
			Limit:        opts.BatchSize,
		})
		if err != nil {
			return nil, false, err
		}
		for i := range page.Items {
			item := &page.Items[i]
			raw := item.Fields[opts.MatchFieldID]
			normalized := migrate.NormalizeValue(opts.MatchFieldType, raw)
			if normalized == "" {
				continue
			}
			byValue[normalized] = append(byValue[normalized], DuplicateItem{
				ID:           item.ID,
				Title:        item.Title,
				CreatedAt:    item.CreatedAt,
				EditedAt:     item.EditedAt,
				RawValue:     raw,
				FieldPreview: fieldPreview(item.Fields),
			})
		}
		if len(page.Items) < opts.BatchSize {
			break
		}
		offset += opts.BatchSize
	}

	for value, items := range byValue {
		if len(items) < 2 {
			continue
		}
		group := DuplicateGroup{MatchValue: value, Items: items}
		group.selectKeep(opts.KeepStrategy)
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].MatchValue < groups[j].MatchValue })
	return groups, false, nil
}

// parkedGroups decodes duplicate groups parked in the job metadata by a
// pause or the manual approval gate. A freshly loaded document carries them
// as generic JSON values, so they go through a marshal round trip.
func parkedGroups(job *jobstore.Job) ([]DuplicateGroup, bool, error) {
	raw, ok := job.Metadata[metadataGroupsKey]
	if !ok {
		return nil, false, nil
	}
	if groups, ok := raw.([]DuplicateGroup); ok {
		return groups, true, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false, errors.Newf("job %s carries unreadable duplicate groups: %w", job.ID, err).
			Category(errors.CategoryValidation).
			Context("job_id", job.ID).
			Component("dedup").
			Build()
	}
	var groups []DuplicateGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, false, errors.Newf("job %s carries unreadable duplicate groups: %w", job.ID, err).
			Category(errors.CategoryValidation).
			Context("job_id", job.ID).
			Component("dedup").
			Build()
	}
	return groups, true, nil
}

// deleteGroups removes the marked items group by group, fanning deletions
// within a group out to the configured concurrency. Pause and shutdown
// flags are honored between groups; a pause parks the remaining groups in
// the job metadata so a later Run resumes deletion instead of re-detecting.
func (e *Engine) deleteGroups(ctx context.Context, jobID string, opts *Options, groups []DuplicateGroup) (*Result, error) {
	if err := e.store.Update(jobID, func(j *jobstore.Job) error {
		j.Status = jobstore.StatusDeleting
		for i := range j.Steps {
			if j.Steps[i].ID == stepDelete && j.Steps[i].Status == jobstore.StepInProgress {
				// Resumed run, the step is already open.
				return nil
			}
		}
		started := time.Now()
		j.Steps = append(j.Steps, jobstore.Step{
			ID:        stepDelete,
			Type:      stepDelete,
			SourceID:  opts.CollectionID,
			Status:    jobstore.StepInProgress,
			StartedAt: &started,
		})
		return nil
	}); err != nil {
		return nil, err
	}

	result := &Result{TotalGroups: len(groups)}
	for i := range groups {
		result.TotalItemsToDelete += len(groups[i].DeleteItemIDs)
	}

	for i := range groups {
		if e.coordinator.PauseRequested(jobID) || e.coordinator.ShutdownRequested() {
			remaining := groups[i:]
			if err := e.store.Update(jobID, func(j *jobstore.Job) error {
				j.Status = jobstore.StatusPaused
				if j.Metadata == nil {
					j.Metadata = make(map[string]any)
				}
				j.Metadata[metadataGroupsKey] = remaining
				return nil
			}); err != nil {
				return nil, err
			}
			e.coordinator.ClearPauseRequest(jobID)
			e.logger.Info("cleanup paused between groups",
				"job_id", jobID,
				"processed_groups", i,
				"remaining_groups", len(remaining))
			result.Paused = true
			result.ResumeToken = jobID
			return result, nil
		}

		e.waitForRateLimit(ctx, jobID)

		deleted, failed := e.deleteGroup(ctx, jobID, opts, &groups[i])
		result.DeletedItems += deleted
		result.FailedDeletions += failed

		if err := e.store.Update(jobID, func(j *jobstore.Job) error {
			if j.Progress == nil {
				j.Progress = &jobstore.Progress{}
			}
			// Incremental so a resumed run continues where the pause left
			// the counters.
			j.Progress.ProcessedGroups++
			j.Progress.DeletedItems += deleted
			j.Progress.FailedDeletions += failed
			if j.Progress.TotalGroups > 0 {
				j.Progress.Percent = float64(j.Progress.ProcessedGroups) / float64(j.Progress.TotalGroups) * 100
			}
			j.Progress.LastUpdate = time.Now()
			now := time.Now()
			j.LastHeartbeat = &now
			return nil
		}); err != nil {
			return nil, err
		}
	}

	completedAt := time.Now()
	if err := e.store.Update(jobID, func(j *jobstore.Job) error {
		if result.FailedDeletions > 0 {
			j.Errors = append(j.Errors, jobstore.JobError{
				Step:      stepDelete,
				Code:      jobstore.CodeCleanupDeletionFailed,
				Message:   "some duplicate deletions failed; see failure log",
				Timestamp: completedAt,
			})
		}
		j.Status = jobstore.StatusCompleted
		j.CompletedAt = &completedAt
		delete(j.Metadata, metadataGroupsKey)
		e.completeStep(j, stepDelete)
		return nil
	}); err != nil {
		return nil, err
	}

	result.Completed = true
	e.logger.Info("cleanup completed",
		"job_id", jobID,
		"groups", result.TotalGroups,
		"deleted", result.DeletedItems,
		"failed", result.FailedDeletions)
	return result, nil
}

func (e *Engine) deleteGroup(ctx context.Context, jobID string, opts *Options, group *DuplicateGroup) (deleted, failed int) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, itemID := range group.DeleteItemIDs {
		g.Go(func() error {
			err := e.api.DeleteItem(gctx, itemID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				category := string(errors.ItemFailureCategory(err))
				if e.metrics != nil {
					e.metrics.IncrementItemFailures(category)
				}
				e.logger.Warn("duplicate deletion failed",
					"job_id", jobID,
					"item_id", itemID,
					"category", category,
					"error", err)
				if e.failureLog != nil {
					if logErr := e.failureLog.Append(platform.FailureRecord{
						JobID:    jobID,
						ItemID:   itemID,
						Category: category,
						Message:  err.Error(),
					}); logErr != nil {
						e.logger.Warn("failure log append failed", "job_id", jobID, "error", logErr)
					}
				}
				return nil
			}
			deleted++
			if e.metrics != nil {
				e.metrics.IncrementItemsDeleted()
			}
			return nil
		})
	}
	_ = g.Wait()
	return deleted, failed
}

func (e *Engine) waitForRateLimit(ctx context.Context, jobID string) {
	if e.rateLimit == nil {
		return
	}
	wait, needed := e.rateLimit.PauseBefore()
	if !needed {
		return
	}
	if e.metrics != nil {
		e.metrics.IncrementRateLimitPauses()
	}
	e.logger.Info("pausing for platform rate limit", "job_id", jobID, "wait", wait.String())
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

func (e *Engine) completeStep(job *jobstore.Job, stepID string) {
	now := time.Now()
	for i := range job.Steps {
		if job.Steps[i].ID == stepID && job.Steps[i].Status == jobstore.StepInProgress {
			job.Steps[i].Status = jobstore.StepCompleted
			job.Steps[i].CompletedAt = &now
		}
	}
}

func (e *Engine) failJob(jobID, step, code string, cause error) {
	if err := e.store.AddError(jobID, jobstore.JobError{
		Step:    step,
		Code:    code,
		Message: cause.Error(),
	}); err != nil {
		e.logger.Error("failed to record job error", "job_id", jobID, "error", err)
	}
	completedAt := time.Now()
	if err := e.store.UpdateStatus(jobID, jobstore.StatusFailed, &completedAt); err != nil {
		e.logger.Error("failed to mark job failed", "job_id", jobID, "error", err)
	}
}

// fieldPreview keeps a small sample of the item's fields for the approval
// UI, never the whole record.
func fieldPreview(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > previewFieldLimit {
		keys = keys[:previewFieldLimit]
	}
	preview := make(map[string]any, len(keys))
	for _, k := range keys {
		preview[k] = fields[k]
	}
	return preview
}
