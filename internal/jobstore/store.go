package jobstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkivela/collabsync-go/internal/errors"
)

const (
	// saveRetries is the number of attempts for one durable write.
	saveRetries = 3
	// saveRetryBaseDelay doubles on each attempt: 100ms, 200ms, 400ms.
	saveRetryBaseDelay = 100 * time.Millisecond

	filePermissions = 0o600
	dirPermissions  = 0o755
)

// FileStore persists one JSON document per job under a root directory.
// Every write goes through a uniquely named temp file, is synced, read back
// and verified, then atomically renamed over the canonical path. The unique
// temp name per write plus the atomic rename makes concurrent writes
// independent without a lock manager.
type FileStore struct {
	root   string
	logger *slog.Logger

	// Per-job locks serialize read-modify-write cycles within this process.
	locks sync.Map // map[string]*sync.Mutex
}

// NewFileStore creates the store root if needed and returns a store.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if root == "" {
		return nil, errors.Newf("job store root must not be empty").
			Category(errors.CategoryConfiguration).
			Component("jobstore").
			Build()
	}
	if err := os.MkdirAll(root, dirPermissions); err != nil {
		return nil, errors.Newf("failed to create job store root %s: %w", root, err).
			Category(errors.CategoryFileIO).
			Component("jobstore").
			Build()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		root:   root,
		logger: logger.With("service", "jobstore"),
	}, nil
}

// Root returns the store root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Create builds a new job document in planning state and persists it.
func (s *FileStore) Create(jobType JobType, sourceRef, targetRef string, metadata map[string]any) (*Job, error) {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	job := &Job{
		ID:        uuid.NewString(),
		JobType:   jobType,
		Status:    StatusPlanning,
		SourceRef: sourceRef,
		TargetRef: targetRef,
		StartedAt: time.Now(),
		Steps:     []Step{},
		Errors:    []JobError{},
		Metadata:  metadata,
	}
	if err := s.Save(job); err != nil {
		return nil, err
	}
	s.logger.Info("job created", "job_id", job.ID, "job_type", jobType, "source_ref", sourceRef)
	return job, nil
}

// Get loads a job by id. A missing job is a first-class outcome: it returns
// (nil, false, nil). A document that fails to parse is copied aside as a
// timestamped corrupted backup and reported as absent so callers degrade
// gracefully instead of crashing.
func (s *FileStore) Get(id string) (*Job, bool, error) {
	data, err := os.ReadFile(s.jobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Newf("failed to read job document: %w", err).
			Category(errors.CategoryFileIO).
			Component("jobstore").
			Context("job_id", id).
			Build()
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		s.quarantineCorrupted(id, data, err)
		return nil, false, nil
	}

	return &job, true, nil
}

// Save writes the full job document through the atomic write protocol.
func (s *FileStore) Save(job *Job) error {
	if job == nil || job.ID == "" {
		return errors.Newf("cannot save job without an id").
			Category(errors.CategoryValidation).
			Component("jobstore").
			Build()
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Newf("failed to marshal job document: %w", err).
			Category(errors.CategoryJobStore).
			Component("jobstore").
			Context("job_id", job.ID).
			Build()
	}

	var lastErr error
	delay := saveRetryBaseDelay
	for attempt := 1; attempt <= saveRetries; attempt++ {
		if lastErr = s.writeAtomic(job.ID, data); lastErr == nil {
			return nil
		}
		s.logger.Warn("job document write failed",
			"job_id", job.ID,
			"attempt", attempt,
			"max_attempts", saveRetries,
			"error", lastErr)
		if attempt < saveRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}

	return errors.Newf("failed to persist job document after %d attempts: %w", saveRetries, lastErr).
		Category(errors.CategoryJobStore).
		Component("jobstore").
		Context("job_id", job.ID).
		Build()
}

// writeAtomic performs one attempt of the write protocol: unique temp file,
// fsync, read-back validation, atomic rename. The temp file is always
// cleaned up on failure.
func (s *FileStore) writeAtomic(id string, data []byte) (err error) {
	tempPath := filepath.Join(s.root, fmt.Sprintf("%s.%s.tmp", id, uuid.NewString()))
	defer func() {
		if err != nil {
			if removeErr := os.Remove(tempPath); removeErr != nil && !os.IsNotExist(removeErr) {
				s.logger.Warn("failed to clean up temp file", "temp_path", tempPath, "error", removeErr)
			}
		}
	}()

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Read-back validation: the temp file must parse and match the expected
	// byte length before it may replace the canonical document.
	readBack, err := os.ReadFile(tempPath)
	if err != nil {
		return fmt.Errorf("failed to read back temp file: %w", err)
	}
	if len(readBack) != len(data) || !bytes.Equal(readBack, data) {
		return fmt.Errorf("temp file verification failed: wrote %d bytes, read %d", len(data), len(readBack))
	}
	var verify Job
	if err = json.Unmarshal(readBack, &verify); err != nil {
		return fmt.Errorf("temp file does not parse as a job document: %w", err)
	}

	if err = os.Rename(tempPath, s.jobPath(id)); err != nil {
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}

// List returns all jobs in the store. Corrupted documents are quarantined
// and skipped.
func (s *FileStore) List() ([]*Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Newf("failed to read job store root: %w", err).
			Category(errors.CategoryFileIO).
			Component("jobstore").
			Build()
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		job, found, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if found {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Update applies fn to a deep copy of the job under its per-job lock and
// persists the copy, so a failing fn leaves no partial mutation behind.
// Mutating a non-existent job is a programming error and fails loudly.
func (s *FileStore) Update(id string, fn func(*Job) error) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	job, found, err := s.Get(id)
	if err != nil {
		return err
	}
	if !found {
		return errors.Newf("cannot update job %s: not found", id).
			Category(errors.CategoryNotFound).
			Component("jobstore").
			Context("job_id", id).
			Build()
	}
	draft := job.Clone()
	if err := fn(draft); err != nil {
		return err
	}
	return s.Save(draft)
}

// UpdateStatus transitions the job to the given status, stamping
// completedAt when provided.
func (s *FileStore) UpdateStatus(id string, status JobStatus, completedAt *time.Time) error {
	return s.Update(id, func(job *Job) error {
		job.Status = status
		if completedAt != nil {
			job.CompletedAt = completedAt
		}
		return nil
	})
}

// AddStep appends a step to the job, assigning an id when missing.
func (s *FileStore) AddStep(id string, step Step) error {
	return s.Update(id, func(job *Job) error {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		if step.Status == "" {
			step.Status = StepPending
		}
		job.Steps = append(job.Steps, step)
		return nil
	})
}

// StepUpdate carries the optional step fields to change; nil fields keep
// their current value.
type StepUpdate struct {
	Status      *StepStatus
	TargetID    *string
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// UpdateStep mutates the named step in place.
func (s *FileStore) UpdateStep(id, stepID string, update StepUpdate) error {
	return s.Update(id, func(job *Job) error {
		for i := range job.Steps {
			if job.Steps[i].ID != stepID {
				continue
			}
			if update.Status != nil {
				job.Steps[i].Status = *update.Status
			}
			if update.TargetID != nil {
				job.Steps[i].TargetID = *update.TargetID
			}
			if update.Error != nil {
				job.Steps[i].Error = *update.Error
			}
			if update.StartedAt != nil {
				job.Steps[i].StartedAt = update.StartedAt
			}
			if update.CompletedAt != nil {
				job.Steps[i].CompletedAt = update.CompletedAt
			}
			return nil
		}
		return errors.Newf("step %s not found on job %s", stepID, id).
			Category(errors.CategoryNotFound).
			Component("jobstore").
			Context("job_id", id).
			Context("step_id", stepID).
			Build()
	})
}

// AddError appends to the job's append-only error list.
func (s *FileStore) AddError(id string, jobErr JobError) error {
	return s.Update(id, func(job *Job) error {
		if jobErr.Timestamp.IsZero() {
			jobErr.Timestamp = time.Now()
		}
		job.Errors = append(job.Errors, jobErr)
		return nil
	})
}

// UpdateProgress deep-merges the update into the job's progress; see
// MergeProgress for the field-by-field rules.
func (s *FileStore) UpdateProgress(id string, update *Progress) error {
	return s.Update(id, func(job *Job) error {
		job.Progress = MergeProgress(job.Progress, update)
		return nil
	})
}

// UpdateMetadata shallow-merges the given keys into the job metadata.
func (s *FileStore) UpdateMetadata(id string, metadata map[string]any) error {
	return s.Update(id, func(job *Job) error {
		if job.Metadata == nil {
			job.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			job.Metadata[k] = v
		}
		return nil
	})
}

// SaveCheckpoint appends or updates the checkpoint keyed by its batch
// number.
func (s *FileStore) SaveCheckpoint(id string, checkpoint BatchCheckpoint) error {
	return s.Update(id, func(job *Job) error {
		if job.Progress == nil {
			job.Progress = &Progress{LastUpdate: time.Now()}
		}
		for i := range job.Progress.BatchCheckpoints {
			if job.Progress.BatchCheckpoints[i].BatchNumber == checkpoint.BatchNumber {
				job.Progress.BatchCheckpoints[i] = checkpoint
				return nil
			}
		}
		job.Progress.BatchCheckpoints = append(job.Progress.BatchCheckpoints, checkpoint)
		return nil
	})
}

// LatestCheckpoint returns the checkpoint with the highest batch number, or
// nil if the job has none.
func (s *FileStore) LatestCheckpoint(id string) (*BatchCheckpoint, error) {
	job, found, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Newf("cannot read checkpoints of job %s: not found", id).
			Category(errors.CategoryNotFound).
			Component("jobstore").
			Context("job_id", id).
			Build()
	}
	return job.LatestCheckpoint(), nil
}

// IncrementFailedCounts adds the given per-category deltas to the job's
// failure breakdown and failed total.
func (s *FileStore) IncrementFailedCounts(id string, categoryDeltas map[string]int) error {
	return s.Update(id, func(job *Job) error {
		if job.Progress == nil {
			job.Progress = &Progress{}
		}
		if job.Progress.FailedItemsByCategory == nil {
			job.Progress.FailedItemsByCategory = make(map[string]int, len(categoryDeltas))
		}
		for category, delta := range categoryDeltas {
			job.Progress.FailedItemsByCategory[category] += delta
			job.Progress.Failed += delta
		}
		job.Progress.LastUpdate = time.Now()
		return nil
	})
}

// Delete removes the job document. Deletion is an explicit external
// operation; the engine itself never calls it.
func (s *FileStore) Delete(id string) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(s.jobPath(id)); err != nil {
		if os.IsNotExist(err) {
			return errors.Newf("cannot delete job %s: not found", id).
				Category(errors.CategoryNotFound).
				Component("jobstore").
				Context("job_id", id).
				Build()
		}
		return errors.Newf("failed to delete job document: %w", err).
			Category(errors.CategoryFileIO).
			Component("jobstore").
			Context("job_id", id).
			Build()
	}
	s.logger.Info("job deleted", "job_id", id)
	return nil
}

func (s *FileStore) jobPath(id string) string {
	return filepath.Join(s.root, id+".json")
}

func (s *FileStore) lockFor(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// quarantineCorrupted preserves an unparseable document next to the
// canonical path so it can be inspected later.
func (s *FileStore) quarantineCorrupted(id string, data []byte, parseErr error) {
	backupPath := fmt.Sprintf("%s.corrupted-%s", s.jobPath(id), time.Now().Format("20060102T150405"))
	if err := os.WriteFile(backupPath, data, filePermissions); err != nil {
		s.logger.Error("failed to back up corrupted job document",
			"job_id", id,
			"backup_path", backupPath,
			"error", err)
		return
	}
	s.logger.Error("job document corrupted, backed up and treated as lost",
		"job_id", id,
		"backup_path", backupPath,
		"parse_error", parseErr)
}
