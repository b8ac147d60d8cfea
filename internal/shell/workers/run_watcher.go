// Package workers contains background workers for ladderbox.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/shell/docker"
	"github.com/artpar/ladderbox/internal/shell/store"
)

// RunWatcherConfig configures the run watcher worker.
type RunWatcherConfig struct {
	// Interval is the time between watch cycles.
	// Default: 15 seconds.
	Interval time.Duration

	// InspectTimeout bounds the daemon call for a single run.
	// Default: 5 seconds.
	InspectTimeout time.Duration

	// MaxConcurrent is the maximum number of runs inspected concurrently.
	// Default: 5.
	MaxConcurrent int

	// StartupGrace is how long a process-started run belongs to the Run call
	// that created it. Older ones were orphaned and are reconciled.
	// Default: 2 minutes.
	StartupGrace time.Duration
}

// DefaultRunWatcherConfig returns the default configuration.
func DefaultRunWatcherConfig() RunWatcherConfig {
	return RunWatcherConfig{
		Interval:       15 * time.Second,
		InspectTimeout: 5 * time.Second,
		MaxConcurrent:  5,
		StartupGrace:   2 * time.Minute,
	}
}

// RunWatcher follows containers after startup. A container that dies on its
// own is never restarted; its run is moved to crashed or terminated so the
// ledger reflects what the daemon reports.
type RunWatcher struct {
	store  store.Store
	docker docker.Client
	config RunWatcherConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunWatcher creates a new run watcher worker.
func NewRunWatcher(s store.Store, d docker.Client, config RunWatcherConfig, logger *slog.Logger) *RunWatcher {
	defaults := DefaultRunWatcherConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.InspectTimeout == 0 {
		config.InspectTimeout = defaults.InspectTimeout
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.StartupGrace == 0 {
		config.StartupGrace = defaults.StartupGrace
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RunWatcher{
		store:  s,
		docker: d,
		config: config,
		logger: logger.With("component", "run_watcher"),
	}
}

// Start begins the watcher goroutine.
func (w *RunWatcher) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.run()

	w.logger.Info("run watcher started",
		"interval", w.config.Interval,
		"max_concurrent", w.config.MaxConcurrent,
	)
}

// Stop stops the watcher and waits for an in-progress cycle to finish.
func (w *RunWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("run watcher stopped")
}

func (w *RunWatcher) run() {
	defer w.wg.Done()

	w.runCycle(w.ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.runCycle(w.ctx)
		}
	}
}

// runCycle reconciles every active run against the daemon.
func (w *RunWatcher) runCycle(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, w.config.Interval)
	defer cancel()

	runs, err := w.store.ListActiveRuns(ctx)
	if err != nil {
		w.logger.Error("failed to list active runs", "error", err)
		return
	}
	if len(runs) == 0 {
		w.logger.Debug("no active runs")
		return
	}

	sem := make(chan struct{}, w.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range runs {
		wg.Add(1)
		go func(r *domain.Run) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			if err := w.checkRun(ctx, r); err != nil {
				w.logger.Warn("failed to check run", "run_id", r.ID, "error", err)
			}
		}(&runs[i])
	}

	wg.Wait()
	w.logger.Debug("completed watch cycle", "run_count", len(runs))
}

// CheckRunNow reconciles a single run immediately and returns its state.
func (w *RunWatcher) CheckRunNow(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Phase.IsActive() {
		return run, nil
	}
	if err := w.checkRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// checkRun inspects the run's container and records a phase change.
func (w *RunWatcher) checkRun(ctx context.Context, run *domain.Run) error {
	inspectCtx, cancel := context.WithTimeout(ctx, w.config.InspectTimeout)
	defer cancel()

	logger := w.logger.With("run_id", run.ID, "container_id", run.ContainerID)

	if run.ContainerID == "" {
		return nil
	}
	if run.Phase == domain.ContainerProcessStarted && time.Since(run.UpdatedAt) < w.config.StartupGrace {
		return nil
	}

	info, err := w.docker.InspectContainer(inspectCtx, run.ContainerID)
	switch {
	case errors.Is(err, docker.ErrContainerNotFound):
		if err := run.Terminate(nil); err != nil {
			return err
		}
		run.ErrorMessage = "container was removed"
		logger.Warn("container disappeared, run terminated")
		return w.store.UpdateRun(ctx, run)
	case err != nil:
		return err
	}

	listened := run.Phase == domain.ContainerListening || run.Phase == domain.ContainerRunning
	next := domain.ContainerPhaseFromState(string(info.Status), info.ExitCode, listened)
	if !listened && next == domain.ContainerTerminated {
		next = domain.ContainerCrashed
	}

	switch {
	case next == run.Phase:
		return nil
	case next == domain.ContainerRunning && run.Phase == domain.ContainerListening:
		if err := run.Transition(domain.ContainerRunning); err != nil {
			return err
		}
	case next == domain.ContainerCrashed:
		msg := fmt.Sprintf("process exited with code %d", info.ExitCode)
		if !listened {
			msg = "process exited before listening"
		}
		if info.OOMKilled {
			msg = "process was killed for exceeding its memory limit"
		} else if info.Error != "" {
			msg = info.Error
		}
		if err := run.Crash(info.ExitCode, msg); err != nil {
			return err
		}
		logger.Warn("run crashed", "exit_code", info.ExitCode, "reason", msg)
	case next == domain.ContainerTerminated:
		code := info.ExitCode
		if err := run.Terminate(&code); err != nil {
			return err
		}
		logger.Info("run terminated", "exit_code", code)
	default:
		return nil
	}

	return w.store.UpdateRun(ctx, run)
}
