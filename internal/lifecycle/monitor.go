// Package lifecycle provides job liveness classification via heartbeats and
// the coordinated graceful-shutdown/pause protocol. Both services are
// explicit injected instances rather than process-wide singletons so tests
// can run isolated copies.
package lifecycle

import (
	"log/slog"
	"time"

	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/jobstore"
)

const (
	// DefaultHeartbeatInterval is the interval recommended to running
	// engines.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultStalenessThreshold is 6x the heartbeat interval, giving
	// margin for slow batches without false positives.
	DefaultStalenessThreshold = 60 * time.Second
)

// Health is the tri-state liveness classification of a job.
type Health string

const (
	HealthHealthy    Health = "healthy"
	HealthStale      Health = "stale"
	HealthNotRunning Health = "not_running"
)

// Monitor classifies whether a job claiming a running status is actually
// alive, using the heartbeat rather than trusting the status field alone.
// The status field can be stale after a crash; the heartbeat cannot.
type Monitor struct {
	store     *jobstore.FileStore
	staleness time.Duration
	logger    *slog.Logger
	now       func() time.Time // injectable clock for tests
}

// NewMonitor returns a monitor over the given store. A zero staleness
// selects the default threshold.
func NewMonitor(store *jobstore.FileStore, staleness time.Duration, logger *slog.Logger) *Monitor {
	if staleness <= 0 {
		staleness = DefaultStalenessThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:     store,
		staleness: staleness,
		logger:    logger.With("service", "lifecycle.monitor"),
		now:       time.Now,
	}
}

// IsActive reports whether the job is running and provably alive. A job
// with no heartbeat yet is given the benefit of the doubt for one staleness
// window after its start, covering the gap between creation and the first
// heartbeat write.
func (m *Monitor) IsActive(id string) (bool, error) {
	job, found, err := m.store.Get(id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return m.isAlive(job), nil
}

func (m *Monitor) isAlive(job *jobstore.Job) bool {
	if !job.Status.IsRunning() {
		return false
	}
	now := m.now()
	if job.LastHeartbeat != nil {
		return now.Sub(*job.LastHeartbeat) < m.staleness
	}
	return now.Sub(job.StartedAt) < m.staleness
}

// UpdateHeartbeat stamps lastHeartbeat = now and persists. It is a no-op
// when the job is not in a running status.
func (m *Monitor) UpdateHeartbeat(id string) error {
	return m.store.Update(id, func(job *jobstore.Job) error {
		if !job.Status.IsRunning() {
			return nil
		}
		now := m.now()
		job.LastHeartbeat = &now
		return nil
	})
}

// FindStale scans all jobs and returns those claiming a running status
// without a live heartbeat.
func (m *Monitor) FindStale() ([]*jobstore.Job, error) {
	jobs, err := m.store.List()
	if err != nil {
		return nil, err
	}
	var stale []*jobstore.Job
	for _, job := range jobs {
		if job.Status.IsRunning() && !m.isAlive(job) {
			stale = append(stale, job)
		}
	}
	return stale, nil
}

// CleanupStale transitions stale jobs to failed with an explanatory error
// and returns the number of jobs reconciled. Each candidate is re-fetched
// and re-verified immediately before acting, defending against the race
// where the job became active between scan and action.
func (m *Monitor) CleanupStale() (int, error) {
	candidates, err := m.FindStale()
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, candidate := range candidates {
		job, found, err := m.store.Get(candidate.ID)
		if err != nil {
			return cleaned, err
		}
		if !found || !job.Status.IsRunning() || m.isAlive(job) {
			continue
		}

		heartbeatAge := "never"
		if job.LastHeartbeat != nil {
			heartbeatAge = m.now().Sub(*job.LastHeartbeat).Round(time.Second).String()
		}
		if err := m.store.AddError(job.ID, jobstore.JobError{
			Step:    "lifecycle",
			Code:    jobstore.CodeStaleJobCleanup,
			Message: "job marked failed by stale-job cleanup: no heartbeat for " + heartbeatAge,
		}); err != nil {
			return cleaned, err
		}
		completedAt := m.now()
		if err := m.store.UpdateStatus(job.ID, jobstore.StatusFailed, &completedAt); err != nil {
			return cleaned, err
		}

		m.logger.Warn("stale job reconciled to failed",
			"job_id", job.ID,
			"job_type", job.JobType,
			"heartbeat_age", heartbeatAge)
		cleaned++
	}
	return cleaned, nil
}

// GetHealth derives the tri-state health of a job from the liveness rule,
// for monitoring surfaces.
func (m *Monitor) GetHealth(id string) (Health, error) {
	job, found, err := m.store.Get(id)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errors.Newf("job %s not found", id).
			Category(errors.CategoryNotFound).
			Component("lifecycle").
			Context("job_id", id).
			Build()
	}
	switch {
	case !job.Status.IsRunning():
		return HealthNotRunning, nil
	case m.isAlive(job):
		return HealthHealthy, nil
	default:
		return HealthStale, nil
	}
}
