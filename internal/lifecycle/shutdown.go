package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/jobstore"
)

const (
	// DefaultPauseWaitTimeout bounds how long a pause request waits for the
	// running engine to observe the flag.
	DefaultPauseWaitTimeout = 60 * time.Second

	defaultPausePollInterval  = time.Second
	defaultPauseProgressEvery = 10 * time.Second
)

// ShutdownFunc is the callback an engine registers for its job. Its
// contract: stop accepting new batches, finish the batch in flight, persist
// an accurate checkpoint, and mark the job paused.
type ShutdownFunc func(ctx context.Context) error

// Coordinator converges two independent triggers, OS termination signals
// and explicit per-job pause requests, onto the same graceful-stop
// protocol.
type Coordinator struct {
	store   *jobstore.FileStore
	monitor *Monitor
	logger  *slog.Logger

	pauseWaitTimeout   time.Duration
	pausePollInterval  time.Duration
	pauseProgressEvery time.Duration

	mu            sync.Mutex
	active        map[string]ShutdownFunc
	pauseRequests map[string]struct{}
	flushFns      []func() error

	shutdownRequested atomic.Bool
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPauseWaitTimeout overrides the pause-wait timeout.
func WithPauseWaitTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.pauseWaitTimeout = d }
}

// WithPausePollInterval overrides the status poll interval, used by tests
// to avoid real one-second sleeps.
func WithPausePollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.pausePollInterval = d }
}

// NewCoordinator returns a coordinator over the given store and monitor.
func NewCoordinator(store *jobstore.FileStore, monitor *Monitor, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:              store,
		monitor:            monitor,
		logger:             logger.With("service", "lifecycle.coordinator"),
		pauseWaitTimeout:   DefaultPauseWaitTimeout,
		pausePollInterval:  defaultPausePollInterval,
		pauseProgressEvery: defaultPauseProgressEvery,
		active:             make(map[string]ShutdownFunc),
		pauseRequests:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterActive records a job as running in this process together with
// its shutdown callback.
func (c *Coordinator) RegisterActive(jobID string, fn ShutdownFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[jobID] = fn
}

// UnregisterActive removes a job from the active registry, typically when
// its run terminates.
func (c *Coordinator) UnregisterActive(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, jobID)
}

// ActiveJobs returns the ids of jobs currently registered as active.
func (c *Coordinator) ActiveJobs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// RegisterFlush adds a function run after all shutdown callbacks finish,
// used to flush buffered log output before the process exits.
func (c *Coordinator) RegisterFlush(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushFns = append(c.flushFns, fn)
}

// ShutdownRequested reports whether a process-wide shutdown has started.
func (c *Coordinator) ShutdownRequested() bool {
	return c.shutdownRequested.Load()
}

// PauseRequested reports whether a pause has been requested for the job.
// Engines poll this between batches, never mid-batch.
func (c *Coordinator) PauseRequested(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pauseRequests[jobID]
	return ok
}

// ClearPauseRequest removes the pause flag, called by the engine after it
// has honored the request.
func (c *Coordinator) ClearPauseRequest(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pauseRequests, jobID)
}

// Shutdown runs the process-wide protocol: set the global flag, invoke
// every registered callback concurrently and wait for all to finish, then
// flush buffered log output. Callers terminate the process afterwards.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownRequested.Store(true)

	c.mu.Lock()
	callbacks := make(map[string]ShutdownFunc, len(c.active))
	for id, fn := range c.active {
		callbacks[id] = fn
	}
	flushFns := make([]func() error, len(c.flushFns))
	copy(flushFns, c.flushFns)
	c.mu.Unlock()

	c.logger.Info("shutdown requested", "active_jobs", len(callbacks))

	g, gctx := errgroup.WithContext(ctx)
	for id, fn := range callbacks {
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				c.logger.Error("shutdown callback failed", "job_id", id, "error", err)
				return err
			}
			c.logger.Info("job paused for shutdown", "job_id", id)
			return nil
		})
	}
	err := g.Wait()

	for _, flush := range flushFns {
		if flushErr := flush(); flushErr != nil {
			c.logger.Warn("log flush failed during shutdown", "error", flushErr)
		}
	}
	return err
}

// ListenForSignals installs handlers for terminate, interrupt and the
// restart-notification signal, runs the shutdown protocol when one
// arrives, and then calls exit with 0 (or 1 when a callback failed). It
// blocks until a signal arrives or the context is cancelled.
func (c *Coordinator) ListenForSignals(ctx context.Context, exit func(code int)) {
	if exit == nil {
		exit = os.Exit
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		c.logger.Info("termination signal received", "signal", sig.String())
		if err := c.Shutdown(ctx); err != nil {
			exit(1)
			return
		}
		exit(0)
	}
}

// RequestPause implements the UI-driven pause protocol for one job.
//
// Already-terminal and already-stopped jobs return immediately, untouched.
// A job claiming to run without being actually alive is orphaned (its
// owning process died): it is force-transitioned to cancelled, since
// nothing is listening for the pause flag. Otherwise the pause flag is set
// and the call waits, polling job status, until the job reaches a stopped
// or terminal state or the wait times out.
func (c *Coordinator) RequestPause(ctx context.Context, jobID string) error {
	job, found, err := c.store.Get(jobID)
	if err != nil {
		return err
	}
	if !found {
		return errors.Newf("cannot pause job %s: not found", jobID).
			Category(errors.CategoryNotFound).
			Component("lifecycle").
			Context("job_id", jobID).
			Build()
	}

	if job.Status.IsTerminal() || job.Status.IsStopped() {
		c.logger.Info("pause requested for already-stopped job, nothing to do",
			"job_id", jobID, "status", job.Status)
		return nil
	}

	active, err := c.monitor.IsActive(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsRunning() && !active {
		return c.forceCancelOrphan(jobID)
	}

	c.mu.Lock()
	c.pauseRequests[jobID] = struct{}{}
	c.mu.Unlock()

	c.logger.Info("pause requested, waiting for engine to reach a safe point",
		"job_id", jobID, "timeout", c.pauseWaitTimeout)

	deadline := time.Now().Add(c.pauseWaitTimeout)
	lastProgressLog := time.Now()
	ticker := time.NewTicker(c.pausePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, found, err := c.store.Get(jobID)
		if err != nil {
			return err
		}
		if !found {
			return errors.Newf("job %s disappeared while waiting for pause", jobID).
				Category(errors.CategoryNotFound).
				Component("lifecycle").
				Context("job_id", jobID).
				Build()
		}
		if current.Status.IsStopped() || current.Status.IsTerminal() {
			c.logger.Info("job reached stopped state", "job_id", jobID, "status", current.Status)
			return nil
		}

		if time.Since(lastProgressLog) >= c.pauseProgressEvery {
			c.logger.Info("still waiting for job to pause",
				"job_id", jobID,
				"status", current.Status,
				"remaining", time.Until(deadline).Round(time.Second))
			lastProgressLog = time.Now()
		}

		if time.Now().After(deadline) {
			return errors.Newf(
				"job %s did not pause within %s; the engine may be stuck mid-batch, consider a manual force-cancel",
				jobID, c.pauseWaitTimeout).
				Category(errors.CategoryTimeout).
				Component("lifecycle").
				Context("job_id", jobID).
				Context("timeout", c.pauseWaitTimeout.String()).
				Build()
		}
	}
}

// forceCancelOrphan transitions an orphaned job straight to cancelled.
func (c *Coordinator) forceCancelOrphan(jobID string) error {
	if err := c.store.AddError(jobID, jobstore.JobError{
		Step:    "lifecycle",
		Code:    jobstore.CodeStaleJobForceCancel,
		Message: "pause requested but owning process is gone; job force-cancelled",
	}); err != nil {
		return err
	}
	completedAt := time.Now()
	if err := c.store.UpdateStatus(jobID, jobstore.StatusCancelled, &completedAt); err != nil {
		return err
	}
	c.logger.Warn("orphaned job force-cancelled on pause request", "job_id", jobID)
	return nil
}
