package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7380, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "./data/ladderbox.db", cfg.Database.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	assert.Equal(t, ".", cfg.App.Dir)
	assert.Equal(t, "ladderbox/snake-ladder-api:latest", cfg.App.Image())

	assert.Equal(t, "python:3.11-slim", cfg.Recipe.BaseImage)
	assert.Equal(t, "/app", cfg.Recipe.WorkDir)
	assert.Equal(t, "requirements.txt", cfg.Recipe.Manifest)
	assert.Equal(t, 8080, cfg.Recipe.Port)
	assert.Equal(t, []string{"pip", "install", "--upgrade", "pip"}, cfg.Recipe.Installer.Upgrade)
	assert.Equal(t, []string{"pip", "install", "--no-cache-dir", "-r", "requirements.txt"}, cfg.Recipe.Installer.Install)
	assert.Equal(t, []string{"uvicorn", "snake_ladder_api:app", "--host", "0.0.0.0", "--port", "8080"}, cfg.Recipe.Command)

	assert.Equal(t, 8080, cfg.Run.HostPort)
	assert.Equal(t, 30*time.Second, cfg.Run.StartupTimeout)
	assert.Equal(t, 10*time.Second, cfg.Run.StopTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Run.ProbeHold)
	assert.Equal(t, 50, cfg.Run.LogTail)

	assert.True(t, cfg.Watcher.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Watcher.Interval)
	assert.Equal(t, 5, cfg.Watcher.MaxConcurrent)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "0.0.0.0"
  port: 9000
  read_timeout: 60s
  shutdown_timeout: 15s

database:
  dsn: "/tmp/test.db"

log:
  level: "debug"
  format: "json"

app:
  dir: "./api"
  repository: "registry.local:5000/games/ladder"
  tag: "v2"

recipe:
  base_image: "python:3.12-slim"
  manifest: "deps/requirements.lock"
  port: 9090

run:
  host_port: 18080
  startup_timeout: 5s
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, "./api", cfg.App.Dir)
	assert.Equal(t, "registry.local:5000/games/ladder:v2", cfg.App.Image())

	assert.Equal(t, "python:3.12-slim", cfg.Recipe.BaseImage)
	assert.Equal(t, 9090, cfg.Recipe.Port)
	assert.Equal(t, 18080, cfg.Run.HostPort)
	assert.Equal(t, 5*time.Second, cfg.Run.StartupTimeout)
}

func TestLoadConfig_InstallerFollowsManifest(t *testing.T) {
	clearEnv(t)
	t.Setenv("LADDERBOX_RECIPE_MANIFEST", "requirements.lock")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, []string{"pip", "install", "--no-cache-dir", "-r", "requirements.lock"}, cfg.Recipe.Installer.Install)
}

func TestLoadConfig_CommandAndHostPortFollowPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("LADDERBOX_RECIPE_PORT", "9000")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, []string{"uvicorn", "snake_ladder_api:app", "--host", "0.0.0.0", "--port", "9000"}, cfg.Recipe.Command)
	assert.Equal(t, 9000, cfg.Run.HostPort)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("LADDERBOX_SERVER_HOST", "192.168.1.1")
	t.Setenv("LADDERBOX_SERVER_PORT", "3000")
	t.Setenv("LADDERBOX_DATABASE_DSN", "/custom/path.db")
	t.Setenv("LADDERBOX_LOG_LEVEL", "warn")
	t.Setenv("LADDERBOX_LOG_FORMAT", "json")
	t.Setenv("LADDERBOX_RUN_HOST_PORT", "18081")
	t.Setenv("LADDERBOX_WATCHER_ENABLED", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 18081, cfg.Run.HostPort)
	assert.False(t, cfg.Watcher.Enabled)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7380, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidRecipe(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port out of range", map[string]string{"LADDERBOX_RECIPE_PORT": "70000"}},
		{"relative work dir", map[string]string{"LADDERBOX_RECIPE_WORK_DIR": "app"}},
		{"host port out of range", map[string]string{"LADDERBOX_RUN_HOST_PORT": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig("")
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_JSONFormat(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "info", Format: "json"}}

	var buf bytes.Buffer
	SetupLogger(cfg, &buf).Info("hello", "k", "v")

	assert.True(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestSetupLogger_TextFormat(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "info", Format: "text"}}

	var buf bytes.Buffer
	SetupLogger(cfg, &buf).Info("hello", "k", "v")

	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestSetupLogger_Levels(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
		infoSeen  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"invalid", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger(&Config{Log: LogConfig{Level: tt.level}}, &buf)

			logger.Debug("debug-line")
			logger.Info("info-line")

			assert.Equal(t, tt.debugSeen, strings.Contains(buf.String(), "debug-line"))
			assert.Equal(t, tt.infoSeen, strings.Contains(buf.String(), "info-line"))
		})
	}
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}

	assert.Equal(t, "localhost:8080", cfg.Server.Address())
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if name, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(name, "LADDERBOX_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}
