// Package jobstore provides the persistent job model and the file-backed
// store that is the single source of truth for job state. One JSON document
// per job id lives under the store root; no in-memory job state survives a
// process restart.
package jobstore

import (
	"time"
)

// JobType tags the kind of work a job performs.
type JobType string

const (
	JobTypeItemMigration JobType = "item_migration"
	JobTypeCleanup       JobType = "cleanup"
	JobTypeFlowClone     JobType = "flow_clone"
)

// JobStatus is the job state machine. Migration jobs move
// planning -> in_progress -> {completed, failed, paused, cancelled};
// cleanup jobs move planning -> detecting -> {waiting_approval -> deleting,
// deleting} -> {completed, failed, paused, cancelled}.
type JobStatus string

const (
	StatusPlanning        JobStatus = "planning"
	StatusInProgress      JobStatus = "in_progress"
	StatusDetecting       JobStatus = "detecting"
	StatusWaitingApproval JobStatus = "waiting_approval"
	StatusDeleting        JobStatus = "deleting"
	StatusCompleted       JobStatus = "completed"
	StatusFailed          JobStatus = "failed"
	StatusPaused          JobStatus = "paused"
	StatusCancelled       JobStatus = "cancelled"
)

// IsTerminal reports whether the status can never change again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsStopped reports whether the job is not running and not terminal-complete,
// i.e. paused or cancelled.
func (s JobStatus) IsStopped() bool {
	return s == StatusPaused || s == StatusCancelled
}

// IsRunning reports whether the status claims active processing. The
// heartbeat decides whether that claim is actually true.
func (s JobStatus) IsRunning() bool {
	return s == StatusInProgress || s == StatusDetecting || s == StatusDeleting
}

// StepStatus is the per-step state machine.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Step is one discrete unit of a multi-step job, e.g. one flow to clone.
// Steps are owned exclusively by their parent job and mutated in place.
type Step struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	SourceID    string     `json:"sourceId"`
	TargetID    string     `json:"targetId,omitempty"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// JobError is one entry of a job's append-only error list.
type JobError struct {
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes recorded on jobs by the lifecycle subsystem.
const (
	CodeStaleJobCleanup       = "STALE_JOB_CLEANUP"
	CodeStaleJobForceCancel   = "STALE_JOB_FORCE_CANCELLED"
	CodePauseRequestTimedOut  = "PAUSE_REQUEST_TIMEOUT"
	CodeMigrationAborted      = "MIGRATION_ABORTED"
	CodeCleanupDeletionFailed = "CLEANUP_DELETION_FAILED"
)

// Throughput holds rolling rate measurements for a running job.
type Throughput struct {
	ItemsPerSecond      float64    `json:"itemsPerSecond"`
	BatchesPerMinute    float64    `json:"batchesPerMinute"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
}

// BatchCheckpoint records one processed batch. Checkpoints are append/update
// only, keyed by BatchNumber; resume reads the highest batch number.
type BatchCheckpoint struct {
	BatchNumber      int        `json:"batchNumber"`
	Offset           int        `json:"offset"`
	Limit            int        `json:"limit"`
	CompletedItemIDs []string   `json:"completedItemIds"`
	Status           string     `json:"status"`
	Successful       int        `json:"successful"`
	Failed           int        `json:"failed"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// Progress is the mutable summary attached to a job. Counts are monotonically
// non-decreasing within one run, except when a retry pass resets them to the
// pre-retry snapshot.
type Progress struct {
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Percent    float64   `json:"percent"`
	LastUpdate time.Time `json:"lastUpdate"`

	Throughput       *Throughput       `json:"throughput,omitempty"`
	BatchCheckpoints []BatchCheckpoint `json:"batchCheckpoints,omitempty"`

	// FailedItemsByCategory counts item failures keyed by error category.
	// Full failure detail goes to the external failure log, not the job
	// document.
	FailedItemsByCategory map[string]int `json:"failedItemsByCategory,omitempty"`

	// PreRetrySnapshot is a frozen copy of Progress taken before a retry
	// pass, kept for UI comparison.
	PreRetrySnapshot *Progress `json:"preRetrySnapshot,omitempty"`

	// Rate limiting accounting, so callers can tell "slow because
	// rate-limited" from "stalled".
	RateLimitPauses  int   `json:"rateLimitPauses,omitempty"`
	RateLimitDelayMS int64 `json:"rateLimitDelayMs,omitempty"`

	// Cleanup-specific counters.
	TotalGroups        int `json:"totalGroups,omitempty"`
	ProcessedGroups    int `json:"processedGroups,omitempty"`
	TotalItemsToDelete int `json:"totalItemsToDelete,omitempty"`
	DeletedItems       int `json:"deletedItems,omitempty"`
	FailedDeletions    int `json:"failedDeletions,omitempty"`
}

// Job is the root persisted entity. The on-disk document is the single
// source of truth for the job.
type Job struct {
	ID            string         `json:"id"`
	JobType       JobType        `json:"jobType"`
	Status        JobStatus      `json:"status"`
	SourceRef     string         `json:"sourceRef"`
	TargetRef     string         `json:"targetRef,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	LastHeartbeat *time.Time     `json:"lastHeartbeat,omitempty"`
	Steps         []Step         `json:"steps"`
	Errors        []JobError     `json:"errors"`
	Progress      *Progress      `json:"progress,omitempty"`
	Metadata      map[string]any `json:"metadata"`
}

// LatestCheckpoint returns the checkpoint with the highest batch number, or
// nil if the job has none.
func (j *Job) LatestCheckpoint() *BatchCheckpoint {
	if j.Progress == nil || len(j.Progress.BatchCheckpoints) == 0 {
		return nil
	}
	latest := &j.Progress.BatchCheckpoints[0]
	for i := range j.Progress.BatchCheckpoints {
		if j.Progress.BatchCheckpoints[i].BatchNumber > latest.BatchNumber {
			latest = &j.Progress.BatchCheckpoints[i]
		}
	}
	return latest
}

// Clone returns a deep copy of the job. Update mutates a clone and saves
// it, so a mutation that errors out never bleeds into the canonical
// document.
func (j *Job) Clone() *Job {
	clone := *j
	clone.CompletedAt = copyTimePtr(j.CompletedAt)
	clone.LastHeartbeat = copyTimePtr(j.LastHeartbeat)

	clone.Steps = make([]Step, len(j.Steps))
	copy(clone.Steps, j.Steps)
	for i := range clone.Steps {
		clone.Steps[i].StartedAt = copyTimePtr(clone.Steps[i].StartedAt)
		clone.Steps[i].CompletedAt = copyTimePtr(clone.Steps[i].CompletedAt)
	}

	clone.Errors = make([]JobError, len(j.Errors))
	copy(clone.Errors, j.Errors)

	if j.Progress != nil {
		clone.Progress = j.Progress.clone()
	}

	if j.Metadata != nil {
		clone.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

func (p *Progress) clone() *Progress {
	clone := *p
	if p.Throughput != nil {
		tp := *p.Throughput
		tp.EstimatedCompletion = copyTimePtr(p.Throughput.EstimatedCompletion)
		clone.Throughput = &tp
	}
	if p.BatchCheckpoints != nil {
		clone.BatchCheckpoints = make([]BatchCheckpoint, len(p.BatchCheckpoints))
		copy(clone.BatchCheckpoints, p.BatchCheckpoints)
		for i := range clone.BatchCheckpoints {
			ids := make([]string, len(clone.BatchCheckpoints[i].CompletedItemIDs))
			copy(ids, clone.BatchCheckpoints[i].CompletedItemIDs)
			clone.BatchCheckpoints[i].CompletedItemIDs = ids
			clone.BatchCheckpoints[i].CompletedAt = copyTimePtr(clone.BatchCheckpoints[i].CompletedAt)
		}
	}
	if p.FailedItemsByCategory != nil {
		clone.FailedItemsByCategory = make(map[string]int, len(p.FailedItemsByCategory))
		for k, v := range p.FailedItemsByCategory {
			clone.FailedItemsByCategory[k] = v
		}
	}
	if p.PreRetrySnapshot != nil {
		clone.PreRetrySnapshot = p.PreRetrySnapshot.clone()
	}
	return &clone
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
