// Package app wires the engine's collaborators together for the CLI: job
// store, platform client, lifecycle services, migrator and cleanup engine.
package app

import (
	"log/slog"
	"sync"

	"github.com/tkivela/collabsync-go/internal/conf"
	"github.com/tkivela/collabsync-go/internal/dedup"
	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/jobstore"
	"github.com/tkivela/collabsync-go/internal/lifecycle"
	"github.com/tkivela/collabsync-go/internal/logging"
	"github.com/tkivela/collabsync-go/internal/migrate"
	"github.com/tkivela/collabsync-go/internal/observability"
	"github.com/tkivela/collabsync-go/internal/observability/metrics"
	"github.com/tkivela/collabsync-go/internal/platform"
)

// App holds one wired instance of the engine stack.
type App struct {
	Settings      *conf.Settings
	Store         *jobstore.FileStore
	Client        *platform.Client
	Monitor       *lifecycle.Monitor
	Coordinator   *lifecycle.Coordinator
	Runner        *migrate.Runner
	Cleanup       *dedup.Engine
	Metrics       *metrics.EngineMetrics
	Observability *observability.Metrics

	failureLog *platform.JSONLFailureLog
	logger     *slog.Logger
}

// New builds the full stack from settings. The platform client is optional:
// job inspection commands work without a token, running engines do not.
func New(settings *conf.Settings) (*App, error) {
	logger := logging.Structured()

	store, err := jobstore.NewFileStore(settings.JobStore.Root, logger)
	if err != nil {
		return nil, err
	}

	monitor := lifecycle.NewMonitor(store, settings.Engine.StalenessThreshold, logger)
	coordinator := lifecycle.NewCoordinator(store, monitor, logger,
		lifecycle.WithPauseWaitTimeout(settings.Engine.PauseWaitTimeout))

	obsMetrics, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}
	engineMetrics := obsMetrics.Engine

	app := &App{
		Settings:      settings,
		Store:         store,
		Monitor:       monitor,
		Coordinator:   coordinator,
		Metrics:       engineMetrics,
		Observability: obsMetrics,
		logger:        logger,
	}

	if settings.Platform.Token == "" {
		return app, nil
	}

	client, err := platform.NewClient(platform.Config{
		BaseURL:           settings.Platform.BaseURL,
		Token:             settings.Platform.Token,
		Timeout:           settings.Platform.Timeout,
		RequestsPerSecond: settings.Platform.RequestsPerSecond,
		Burst:             settings.Platform.Burst,
	})
	if err != nil {
		return nil, err
	}
	app.Client = client

	var failureLog platform.FailureLog
	if settings.Platform.FailureLogPath != "" {
		jsonlLog, err := platform.NewFailureLog(settings.Platform.FailureLogPath)
		if err != nil {
			return nil, err
		}
		app.failureLog = jsonlLog
		failureLog = jsonlLog
		coordinator.RegisterFlush(jsonlLog.Close)
	}

	matcher := migrate.NewMatcher(client, migrate.WithMatcherMetrics(engineMetrics))

	runner, err := migrate.NewRunner(migrate.RunnerConfig{
		Store:              store,
		API:                client,
		Matcher:            matcher,
		Monitor:            monitor,
		Coordinator:        coordinator,
		RateLimit:          client,
		FailureLog:         failureLog,
		Metrics:            engineMetrics,
		Logger:             logger,
		HeartbeatInterval:  settings.Engine.HeartbeatInterval,
		DefaultBatchSize:   settings.Engine.BatchSize,
		DefaultConcurrency: settings.Engine.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	app.Runner = runner

	cleanup, err := dedup.NewEngine(dedup.EngineConfig{
		Store:              store,
		API:                client,
		Monitor:            monitor,
		Coordinator:        coordinator,
		RateLimit:          client,
		FailureLog:         failureLog,
		Metrics:            engineMetrics,
		Logger:             logger,
		HeartbeatInterval:  settings.Engine.HeartbeatInterval,
		DefaultBatchSize:   settings.Engine.BatchSize,
		DefaultConcurrency: settings.Engine.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	app.Cleanup = cleanup

	return app, nil
}

// RequireEngines errors when no platform token was configured, which the
// job-running commands need while inspection commands do not.
func (a *App) RequireEngines() error {
	if a.Runner == nil || a.Cleanup == nil {
		return errors.Newf("a platform API token is required to run jobs; set platform.token or COLLABSYNC_PLATFORM_TOKEN").
			Category(errors.CategoryConfiguration).
			Component("conf").
			Build()
	}
	return nil
}

// StartTelemetry exposes the Prometheus scrape endpoint when telemetry is
// enabled in settings. The returned stop function shuts the server down
// and waits for it to finish; it is a no-op when telemetry is disabled.
func (a *App) StartTelemetry() func() {
	endpoint, err := observability.NewEndpoint(a.Settings, a.Observability)
	if err != nil {
		return func() {}
	}

	var wg sync.WaitGroup
	quit := make(chan struct{})
	endpoint.Start(&wg, quit)
	return func() {
		close(quit)
		wg.Wait()
	}
}

// Close releases resources held by the app.
func (a *App) Close() error {
	if a.failureLog != nil {
		return a.failureLog.Close()
	}
	return nil
}
