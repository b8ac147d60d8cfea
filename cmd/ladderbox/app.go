package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/ladderbox/internal/shell/docker"
	"github.com/artpar/ladderbox/internal/shell/runner"
	"github.com/artpar/ladderbox/internal/shell/store"
	"github.com/distribution/reference"
)

// app holds the dependencies a command needs. Docker is nil for commands that
// only read the ledger.
type app struct {
	cfg    *Config
	logger *slog.Logger
	store  *store.SQLiteStore
	docker docker.Client
}

// loadConfig loads configuration and applies the root flag overrides.
func loadConfig(opts *rootOptions) (*Config, error) {
	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		return nil, commandError("LoadConfig", ExitConfigError, err)
	}
	if opts.appDir != "" {
		cfg.App.Dir = opts.appDir
	}
	if opts.tag != "" {
		repository, tag, err := splitImageRef(opts.tag)
		if err != nil {
			return nil, commandError("ParseTag", ExitConfigError, err)
		}
		cfg.App.Repository = repository
		cfg.App.Tag = tag
	}
	return cfg, nil
}

// splitImageRef splits an image reference into its repository, in the short
// form the user typed, and its tag. The tag is "" when absent.
func splitImageRef(ref string) (string, string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", "", fmt.Errorf("invalid image tag %q: %w", ref, err)
	}
	if _, ok := named.(reference.Digested); ok {
		return "", "", fmt.Errorf("invalid image tag %q: digest references cannot be built", ref)
	}
	tag := ""
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	return reference.FamiliarName(named), tag, nil
}

// openApp loads configuration, opens the ledger and optionally connects to the
// Docker daemon.
func openApp(ctx context.Context, opts *rootOptions, withDocker bool) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := SetupLogger(cfg, opts.stderr)

	if err := ensureDatabaseDir(cfg.Database.DSN); err != nil {
		return nil, commandError("OpenStore", ExitDatabaseError, err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, commandError("OpenStore", ExitDatabaseError, err)
	}
	logger.Debug("ledger opened", "dsn", cfg.Database.DSN)

	a := &app{cfg: cfg, logger: logger, store: s}
	if !withDocker {
		return a, nil
	}

	d, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, commandError("ConnectDocker", ExitDockerError, err)
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		s.Close()
		return nil, commandError("PingDocker", ExitDockerError, err)
	}
	logger.Debug("connected to docker", "host", cfg.Docker.Host)
	a.docker = d
	return a, nil
}

// Close releases the daemon connection and the ledger.
func (a *app) Close() {
	if a.docker != nil {
		if err := a.docker.Close(); err != nil {
			a.logger.Error("failed to close docker client", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close ledger", "error", err)
	}
}

func (a *app) runnerConfig() runner.Config {
	return runner.Config{
		StartupTimeout: a.cfg.Run.StartupTimeout,
		StopTimeout:    a.cfg.Run.StopTimeout,
		ProbeHost:      a.cfg.Run.ProbeHost,
		ProbeHold:      a.cfg.Run.ProbeHold,
		LogTail:        a.cfg.Run.LogTail,
	}
}

// ensureDatabaseDir creates the directory holding a file-backed ledger.
func ensureDatabaseDir(dsn string) error {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}
