package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/artpar/ladderbox/internal/shell/api"
	"github.com/artpar/ladderbox/internal/shell/builder"
	"github.com/artpar/ladderbox/internal/shell/runner"
	"github.com/artpar/ladderbox/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitBuildError      = 5
	ExitRunError        = 6
	ExitUsageError      = 64
)

// =============================================================================
// Server
// =============================================================================

// Server serves the control API and runs the run watcher.
type Server struct {
	config     *Config
	app        *app
	httpServer *http.Server
	watcher    *workers.RunWatcher
	logger     *slog.Logger
}

// NewServer creates a server on top of an opened app.
func NewServer(a *app) *Server {
	cfg := a.cfg

	handler := api.NewHandler(a.store, a.docker,
		builder.NewService(a.docker, a.store, a.logger),
		runner.NewService(a.docker, a.store, a.runnerConfig(), a.logger),
		api.Config{
			AppDir:   cfg.App.Dir,
			Recipe:   cfg.Recipe,
			Tag:      cfg.App.Image(),
			HostPort: cfg.Run.HostPort,
		},
		a.logger,
	)

	var watcher *workers.RunWatcher
	if cfg.Watcher.Enabled {
		watcher = workers.NewRunWatcher(a.store, a.docker, workers.RunWatcherConfig{
			Interval:       cfg.Watcher.Interval,
			InspectTimeout: cfg.Watcher.InspectTimeout,
			MaxConcurrent:  cfg.Watcher.MaxConcurrent,
			StartupGrace:   cfg.Run.StartupTimeout + cfg.Run.StopTimeout,
		}, a.logger)
	}

	return &Server{
		config: cfg,
		app:    a,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address(),
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		watcher: watcher,
		logger:  a.logger,
	}
}

// Start starts the server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopWorkers()
		return &CommandError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server. Containers started through the
// API keep running; the watcher picks them up again on the next start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	s.stopWorkers()

	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) stopWorkers() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
}
