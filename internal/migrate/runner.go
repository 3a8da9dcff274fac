package migrate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/jobstore"
	"github.com/tkivela/collabsync-go/internal/lifecycle"
	"github.com/tkivela/collabsync-go/internal/logging"
	obs "github.com/tkivela/collabsync-go/internal/observability/metrics"
	"github.com/tkivela/collabsync-go/internal/platform"
)

const (
	stepMigrateItems = "migrate_items"

	// throughputWindow is how many recent batches feed the rolling rate.
	throughputWindow = 5
)

// RunnerConfig wires the migrator's collaborators. Store, API, Matcher,
// Monitor and Coordinator are required; the rest are optional.
type RunnerConfig struct {
	Store       *jobstore.FileStore
	API         platform.API
	Matcher     *Matcher
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

// Result summarizes one migration run.
type Result struct {
	Processed   int                  `json:"processed"`
	Successful  int                  `json:"successful"`
	Failed      int                  `json:"failed"`
	FailedItems []FailedItem         `json:"failedItems,omitempty"`
	DurationMS  int64                `json:"durationMs"`
	Throughput  *jobstore.Throughput `json:"throughput,omitempty"`
	Completed   bool                 `json:"completed"`
	ResumeToken string               `json:"resumeToken,omitempty"`
}

// FailedItem identifies one item this run could not migrate.
type FailedItem struct {
	ItemID   string `json:"itemId"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Runner executes item migration jobs. Each Run call owns one job from
// start (or resume) to completion or interruption; callers must not invoke
// Run twice for the same job concurrently.
type Runner struct {
	store       *jobstore.FileStore
	api         platform.API
	matcher     *Matcher
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

// NewRunner creates a migration runner from the given configuration.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil || cfg.API == nil || cfg.Matcher == nil || cfg.Monitor == nil || cfg.Coordinator == nil {
		return nil, errors.Newf("migration runner requires store, api, matcher, monitor and coordinator").
			Category(errors.CategoryConfiguration).
			Component("migrate").
			Build()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.ForService("migrate")
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
	return &Runner{
		store:              cfg.Store,
		api:                cfg.API,
		matcher:            cfg.Matcher,
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

// run holds the mutable state of one migration run.
type run struct {
	job  *jobstore.Job
	opts *Options

	offset      int
	batchNumber int

	total       int
	processed   int
	successful  int
	failed      int
	failedItems []FailedItem

	rateLimitPauses int
	rateLimitDelay  time.Duration

	batchDurations []time.Duration
	batchItems     []int

	startedAt time.Time
}

// Run executes the migration job to completion or interruption. A paused
// job resumes from its highest checkpoint; nothing already checkpointed is
// replayed.
func (r *Runner) Run(ctx context.Context, jobID string) (*Result, error) {
	job, found, err := r.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Newf("migration job %s not found", jobID).
			Category(errors.CategoryNotFound).
			Context("job_id", jobID).
			Component("migrate").
			Build()
	}
	if job.JobType != jobstore.JobTypeItemMigration {
		return nil, errors.Newf("job %s has type %s, expected %s", jobID, job.JobType, jobstore.JobTypeItemMigration).
			Category(errors.CategoryValidation).
			Context("job_id", jobID).
			Component("migrate").
			Build()
	}
	if job.Status != jobstore.StatusPlanning && job.Status != jobstore.StatusPaused {
		return nil, errors.Newf("job %s cannot start from status %s", jobID, job.Status).
			Category(errors.CategoryState).
			Context("job_id", jobID).
			Context("status", string(job.Status)).
			Component("migrate").
			Build()
	}

	opts, err := OptionsFromJob(job, r.defaultBatchSize, r.defaultConcurrency)
	if err != nil {
		r.failJob(jobID, stepMigrateItems, "", err)
		return nil, err
	}

	state := &run{
		job:         job,
		opts:        opts,
		batchNumber: 1,
		startedAt:   time.Now(),
	}
	if cp := job.LatestCheckpoint(); cp != nil {
		state.offset = cp.Offset + cp.Limit
		state.batchNumber = cp.BatchNumber + 1
	}
	if job.Progress != nil {
		state.total = job.Progress.Total
		state.processed = job.Progress.Processed
		state.successful = job.Progress.Successful
		state.failed = job.Progress.Failed
	}

	if err := r.start(jobID, job.Status == jobstore.StatusPlanning); err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.JobStarted()
		defer r.metrics.JobFinished()
	}

	// Shutdown integration: the coordinator's callback requests a stop and
	// waits until the in-flight batch has been checkpointed and the job
	// marked paused.
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() { stopOnce.Do(func() { close(stopCh) }) }
	done := make(chan struct{})
	defer close(done)

	r.coordinator.RegisterActive(jobID, func(cbCtx context.Context) error {
		requestStop()
		select {
		case <-done:
			return nil
		case <-cbCtx.Done():
			return cbCtx.Err()
		}
	})
	defer r.coordinator.UnregisterActive(jobID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx, jobID)

	r.logger.Info("migration run starting",
		"job_id", jobID,
		"source", opts.SourceCollectionID,
		"target", opts.TargetCollectionID,
		"mode", opts.Mode,
		"batch_size", opts.BatchSize,
		"concurrency", opts.Concurrency,
		"resume_offset", state.offset)

	return r.batchLoop(ctx, state, stopCh)
}

// start transitions the job into in_progress and opens the migrate step on
// a first run.
func (r *Runner) start(jobID string, firstRun bool) error {
	return r.store.Update(jobID, func(job *jobstore.Job) error {
		job.Status = jobstore.StatusInProgress
		now := time.Now()
		if firstRun {
			job.StartedAt = now
			started := now
			job.Steps = append(job.Steps, jobstore.Step{
				ID:        stepMigrateItems,
				Type:      stepMigrateItems,
				SourceID:  job.SourceRef,
				TargetID:  job.TargetRef,
				Status:    jobstore.StepInProgress,
				StartedAt: &started,
			})
		}
		job.LastHeartbeat = &now
		return nil
	})
}

func (r *Runner) heartbeatLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.monitor.UpdateHeartbeat(jobID); err != nil {
				r.logger.Warn("heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// batchLoop pages through the source collection. Batches run sequentially;
// only items within a batch fan out. Pause and stop flags are checked
// between batches, never mid-batch.
func (r *Runner) batchLoop(ctx context.Context, state *run, stopCh <-chan struct{}) (*Result, error) {
	jobID := state.job.ID
	for {
		if stopRequested(stopCh) || r.coordinator.PauseRequested(jobID) || r.coordinator.ShutdownRequested() {
			return r.pause(state)
		}
		if err := ctx.Err(); err != nil {
			r.pauseQuietly(state)
			return nil, err
		}

		r.waitForRateLimit(ctx, state)

		page, err := r.api.ListItems(ctx, platform.ListRequest{
			CollectionID: state.opts.SourceCollectionID,
			Offset:       state.offset,
			Limit:        state.opts.BatchSize,
			Filter:       state.opts.filter(),
		})
		if err != nil {
			r.failJob(jobID, stepMigrateItems, "", err)
			return nil, err
		}
		state.total = page.Total
		if len(page.Items) == 0 {
			return r.complete(state)
		}

		batchStart := time.Now()
		outcome := r.processBatch(ctx, state, page.Items)
		batchDuration := time.Since(batchStart)

		state.processed += len(page.Items)
		state.successful += outcome.successful + outcome.skipped
		state.failed += outcome.failed
		state.failedItems = append(state.failedItems, outcome.failedItems...)
		state.recordBatch(batchDuration, len(page.Items))

		if err := r.persistBatch(state, outcome, batchStart, batchDuration); err != nil {
			return nil, err
		}

		if r.metrics != nil {
			r.metrics.IncrementBatchesCheckpointed()
			r.metrics.ObserveBatchDuration(batchDuration)
		}
		r.logger.Info("batch completed",
			"job_id", jobID,
			"batch", state.batchNumber,
			"offset", state.offset,
			"successful", outcome.successful,
			"skipped", outcome.skipped,
			"failed", outcome.failed,
			"duration_ms", batchDuration.Milliseconds())

		if state.opts.StopOnError && outcome.failed > 0 {
			abortErr := errors.Newf("migration job %s aborted: %d item failure(s) in batch %d with stopOnError set",
				jobID, outcome.failed, state.batchNumber).
				Category(errors.CategoryState).
				Context("job_id", jobID).
				Context("batch", state.batchNumber).
				Component("migrate").
				Build()
			r.failJob(jobID, stepMigrateItems, jobstore.CodeMigrationAborted, abortErr)
			return nil, abortErr
		}

		state.offset += state.opts.BatchSize
		state.batchNumber++

		if len(page.Items) < state.opts.BatchSize {
			return r.complete(state)
		}
	}
}

// batchOutcome aggregates one batch's item results.
type batchOutcome struct {
	successful  int
	skipped     int
	failed      int
	targetIDs   []string
	categories  map[string]int
	failedItems []FailedItem
}

// processBatch fans the batch's items out to the configured concurrency.
// Item outcomes within a batch are unordered.
func (r *Runner) processBatch(ctx context.Context, state *run, items []platform.Item) *batchOutcome {
	outcome := &batchOutcome{categories: make(map[string]int)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(state.opts.Concurrency)
	for i := range items {
		item := items[i]
		g.Go(func() error {
			targetID, skipped, err := r.processItem(gctx, state.opts, &item)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				outcome.failed++
				category := string(errors.ItemFailureCategory(err))
				outcome.categories[category]++
				outcome.failedItems = append(outcome.failedItems, FailedItem{
					ItemID:   item.ID,
					Category: category,
					Message:  err.Error(),
				})
				r.recordFailure(state, &item, category, err)
			case skipped:
				outcome.skipped++
				if r.metrics != nil {
					r.metrics.IncrementItemsProcessed("skipped")
				}
			default:
				outcome.successful++
				if targetID != "" {
					outcome.targetIDs = append(outcome.targetIDs, targetID)
				}
				if r.metrics != nil {
					r.metrics.IncrementItemsProcessed("success")
				}
			}
			return nil
		})
	}
	_ = g.Wait() // item errors are counted, never propagated
	return outcome
}

// processItem maps one source item and writes it according to the mode and
// conflict policy. It returns the written target id, or skipped=true when
// the policy decided no write was needed.
func (r *Runner) processItem(ctx context.Context, opts *Options, item *platform.Item) (targetID string, skipped bool, err error) {
	mapped := make(map[string]any, len(opts.FieldMapping))
	for src, dst := range opts.FieldMapping {
		if v, ok := item.Fields[src]; ok {
			mapped[dst] = v
		}
	}

	var match *platform.Item
	if opts.needsMatch() {
		match, err = r.matcher.FindMatch(ctx, opts.TargetCollectionID, opts.MatchFieldTarget,
			opts.MatchFieldType, item.Fields[opts.MatchFieldSource])
		if err != nil {
			return "", false, err
		}
	}

	switch opts.Mode {
	case ModeUpdate:
		if match == nil {
			// Nothing to update for this record.
			return "", true, nil
		}
		updated, err := r.api.UpdateItem(ctx, match.ID, mapped)
		if err != nil {
			return "", false, err
		}
		return updated.ID, false, nil

	case ModeUpsert:
		if match != nil {
			updated, err := r.api.UpdateItem(ctx, match.ID, mapped)
			if err != nil {
				return "", false, err
			}
			return updated.ID, false, nil
		}
		return r.createItem(ctx, opts, item, mapped)

	default: // ModeCreate
		if match != nil {
			switch opts.ConflictPolicy {
			case ConflictSkip:
				return "", true, nil
			case ConflictUpdate:
				updated, err := r.api.UpdateItem(ctx, match.ID, mapped)
				if err != nil {
					return "", false, err
				}
				return updated.ID, false, nil
			default: // ConflictError
				return "", false, errors.Newf("duplicate of item %s already exists in target collection", match.ID).
					Category(errors.CategoryDuplicate).
					Context("source_item_id", item.ID).
					Context("target_item_id", match.ID).
					Component("migrate").
					Build()
			}
		}
		return r.createItem(ctx, opts, item, mapped)
	}
}

func (r *Runner) createItem(ctx context.Context, opts *Options, item *platform.Item, mapped map[string]any) (string, bool, error) {
	created, err := r.api.CreateItem(ctx, opts.TargetCollectionID, mapped)
	if err != nil {
		return "", false, err
	}
	// The cached "no match" answer for this value is now wrong.
	if opts.needsMatch() {
		r.matcher.Invalidate(opts.TargetCollectionID, opts.MatchFieldTarget,
			opts.MatchFieldType, item.Fields[opts.MatchFieldSource])
	}
	return created.ID, false, nil
}

func (r *Runner) recordFailure(state *run, item *platform.Item, category string, err error) {
	if r.metrics != nil {
		r.metrics.IncrementItemsProcessed("failed")
		r.metrics.IncrementItemFailures(category)
	}
	r.logger.Warn("item migration failed",
		"job_id", state.job.ID,
		"item_id", item.ID,
		"category", category,
		"error", err)
	if r.failureLog == nil {
		return
	}
	if logErr := r.failureLog.Append(platform.FailureRecord{
		JobID:    state.job.ID,
		ItemID:   item.ID,
		Category: category,
		Message:  err.Error(),
		Batch:    state.batchNumber,
	}); logErr != nil {
		r.logger.Warn("failure log append failed", "job_id", state.job.ID, "error", logErr)
	}
}

// persistBatch writes the checkpoint, progress, throughput and heartbeat as
// one state-store write, so a crash never separates a checkpoint from the
// counts that accompany it.
func (r *Runner) persistBatch(state *run, outcome *batchOutcome, batchStart time.Time, batchDuration time.Duration) error {
	completedAt := batchStart.Add(batchDuration)
	checkpoint := jobstore.BatchCheckpoint{
		BatchNumber:      state.batchNumber,
		Offset:           state.offset,
		Limit:            state.opts.BatchSize,
		CompletedItemIDs: outcome.targetIDs,
		Status:           "completed",
		Successful:       outcome.successful,
		Failed:           outcome.failed,
		StartedAt:        batchStart,
		CompletedAt:      &completedAt,
	}

	return r.store.Update(state.job.ID, func(job *jobstore.Job) error {
		if job.Progress == nil {
			job.Progress = &jobstore.Progress{}
		}
		p := job.Progress
		p.Total = state.total
		p.Processed = state.processed
		p.Successful = state.successful
		p.Failed = state.failed
		if state.total > 0 {
			p.Percent = float64(state.processed) / float64(state.total) * 100
		}
		p.LastUpdate = time.Now()
		p.Throughput = state.throughput()
		p.RateLimitPauses = state.rateLimitPauses
		p.RateLimitDelayMS = state.rateLimitDelay.Milliseconds()

		if p.FailedItemsByCategory == nil && len(outcome.categories) > 0 {
			p.FailedItemsByCategory = make(map[string]int)
		}
		for category, delta := range outcome.categories {
			p.FailedItemsByCategory[category] += delta
		}

		replaced := false
		for i := range p.BatchCheckpoints {
			if p.BatchCheckpoints[i].BatchNumber == checkpoint.BatchNumber {
				p.BatchCheckpoints[i] = checkpoint
				replaced = true
				break
			}
		}
		if !replaced {
			p.BatchCheckpoints = append(p.BatchCheckpoints, checkpoint)
		}

		now := time.Now()
		job.LastHeartbeat = &now
		return nil
	})
}

// waitForRateLimit honors the platform's rate-limit state before starting a
// batch, accounting the pause so callers can tell throttled from stalled.
func (r *Runner) waitForRateLimit(ctx context.Context, state *run) {
	if r.rateLimit == nil {
		return
	}
	wait, needed := r.rateLimit.PauseBefore()
	if !needed {
		return
	}
	state.rateLimitPauses++
	state.rateLimitDelay += wait
	if r.metrics != nil {
		r.metrics.IncrementRateLimitPauses()
	}
	r.logger.Info("pausing for platform rate limit",
		"job_id", state.job.ID,
		"wait", wait.String())
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

func (r *Runner) pause(state *run) (*Result, error) {
	jobID := state.job.ID
	err := r.store.Update(jobID, func(job *jobstore.Job) error {
		job.Status = jobstore.StatusPaused
		return nil
	})
	r.coordinator.ClearPauseRequest(jobID)
	if err != nil {
		return nil, err
	}
	r.logger.Info("migration paused at batch boundary",
		"job_id", jobID,
		"next_batch", state.batchNumber,
		"processed", state.processed)
	return state.result(false), nil
}

// pauseQuietly is the context-cancellation path: best-effort pause, errors
// only logged since the caller already has a more meaningful error.
func (r *Runner) pauseQuietly(state *run) {
	if _, err := r.pause(state); err != nil {
		r.logger.Warn("pause on cancellation failed", "job_id", state.job.ID, "error", err)
	}
}

func (r *Runner) complete(state *run) (*Result, error) {
	jobID := state.job.ID
	completedAt := time.Now()
	err := r.store.Update(jobID, func(job *jobstore.Job) error {
		job.Status = jobstore.StatusCompleted
		job.CompletedAt = &completedAt
		for i := range job.Steps {
			if job.Steps[i].ID == stepMigrateItems {
				job.Steps[i].Status = jobstore.StepCompleted
				job.Steps[i].CompletedAt = &completedAt
			}
		}
		if job.Progress != nil {
			job.Progress.Percent = 100
			job.Progress.Total = state.processed
			job.Progress.LastUpdate = completedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("migration completed",
		"job_id", jobID,
		"processed", state.processed,
		"successful", state.successful,
		"failed", state.failed,
		"duration_ms", time.Since(state.startedAt).Milliseconds())
	return state.result(true), nil
}

// failJob records a job-fatal error and transitions the job to failed.
func (r *Runner) failJob(jobID, step, code string, cause error) {
	if err := r.store.AddError(jobID, jobstore.JobError{
		Step:    step,
		Code:    code,
		Message: cause.Error(),
	}); err != nil {
		r.logger.Error("failed to record job error", "job_id", jobID, "error", err)
	}
	completedAt := time.Now()
	if err := r.store.Update(jobID, func(job *jobstore.Job) error {
		job.Status = jobstore.StatusFailed
		job.CompletedAt = &completedAt
		for i := range job.Steps {
			if job.Steps[i].ID == step && job.Steps[i].Status == jobstore.StepInProgress {
				job.Steps[i].Status = jobstore.StepFailed
				job.Steps[i].Error = cause.Error()
				job.Steps[i].CompletedAt = &completedAt
			}
		}
		return nil
	}); err != nil {
		r.logger.Error("failed to mark job failed", "job_id", jobID, "error", err)
	}
}

func (s *run) recordBatch(duration time.Duration, items int) {
	s.batchDurations = append(s.batchDurations, duration)
	s.batchItems = append(s.batchItems, items)
	if len(s.batchDurations) > throughputWindow {
		s.batchDurations = s.batchDurations[1:]
		s.batchItems = s.batchItems[1:]
	}
}

// throughput derives the rolling items/sec and batches/min rates from the
// recent batch window, plus an estimated completion time.
func (s *run) throughput() *jobstore.Throughput {
	if len(s.batchDurations) == 0 {
		return nil
	}
	var totalDuration time.Duration
	totalItems := 0
	for i, d := range s.batchDurations {
		totalDuration += d
		totalItems += s.batchItems[i]
	}
	if totalDuration <= 0 {
		return nil
	}

	tp := &jobstore.Throughput{
		ItemsPerSecond:   float64(totalItems) / totalDuration.Seconds(),
		BatchesPerMinute: float64(len(s.batchDurations)) / totalDuration.Minutes(),
	}
	if remaining := s.total - s.processed; remaining > 0 && tp.ItemsPerSecond > 0 {
		eta := time.Now().Add(time.Duration(float64(remaining)/tp.ItemsPerSecond) * time.Second)
		tp.EstimatedCompletion = &eta
	}
	return tp
}

func (s *run) result(completed bool) *Result {
	res := &Result{
		Processed:   s.processed,
		Successful:  s.successful,
		Failed:      s.failed,
		FailedItems: s.failedItems,
		DurationMS:  time.Since(s.startedAt).Milliseconds(),
		Throughput:  s.throughput(),
		Completed:   completed,
	}
	if !completed {
		// The job id is the resume token: Run and the CLI's --resume flag
		// both take it directly.
		res.ResumeToken = s.job.ID
	}
	return res
}

func stopRequested(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}
