package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/core/recipe"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Log      LogConfig      `mapstructure:"log"`
	App      AppConfig      `mapstructure:"app"`
	Recipe   recipe.Recipe  `mapstructure:"recipe"`
	Build    BuildConfig    `mapstructure:"build"`
	Run      RunConfig      `mapstructure:"run"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AppConfig locates the packaged application and names its image.
type AppConfig struct {
	Dir        string `mapstructure:"dir"`
	Repository string `mapstructure:"repository"`
	Tag        string `mapstructure:"tag"`
}

// Image returns the full image reference.
func (c AppConfig) Image() string {
	return domain.ImageTag(c.Repository, c.Tag)
}

// BuildConfig holds build defaults.
type BuildConfig struct {
	NoCache  bool `mapstructure:"no_cache"`
	PullBase bool `mapstructure:"pull_base"`
}

// RunConfig holds container run defaults.
type RunConfig struct {
	HostPort       int           `mapstructure:"host_port"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	ProbeHost      string        `mapstructure:"probe_host"`
	ProbeHold      time.Duration `mapstructure:"probe_hold"`
	LogTail        int           `mapstructure:"log_tail"`
}

// WatcherConfig holds run watcher configuration.
type WatcherConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	InspectTimeout time.Duration `mapstructure:"inspect_timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LADDERBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7380)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "15m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/ladderbox.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("app.dir", ".")
	v.SetDefault("app.repository", domain.DefaultRepository)
	v.SetDefault("app.tag", "latest")

	defaults := recipe.Default()
	v.SetDefault("recipe.base_image", defaults.BaseImage)
	v.SetDefault("recipe.work_dir", defaults.WorkDir)
	v.SetDefault("recipe.manifest", defaults.Manifest)
	v.SetDefault("recipe.port", defaults.Port)
	// Installer, command and host port derive from manifest and port.
	v.BindEnv("recipe.installer.upgrade")
	v.BindEnv("recipe.installer.install")
	v.BindEnv("recipe.command")
	v.BindEnv("run.host_port")

	v.SetDefault("build.no_cache", false)
	v.SetDefault("build.pull_base", false)

	v.SetDefault("run.startup_timeout", "30s")
	v.SetDefault("run.stop_timeout", "10s")
	v.SetDefault("run.probe_host", "127.0.0.1")
	v.SetDefault("run.probe_hold", "250ms")
	v.SetDefault("run.log_tail", 50)

	v.SetDefault("watcher.enabled", true)
	v.SetDefault("watcher.interval", "15s")
	v.SetDefault("watcher.inspect_timeout", "5s")
	v.SetDefault("watcher.max_concurrent", 5)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// A missing file falls back to defaults.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Recipe = recipe.WithDefaults(cfg.Recipe)
	if cfg.Run.HostPort == 0 {
		cfg.Run.HostPort = cfg.Recipe.Port
	}

	if err := recipe.Validate(cfg.Recipe); err != nil {
		return nil, fmt.Errorf("invalid recipe: %w", err)
	}
	if cfg.Run.HostPort < 1 || cfg.Run.HostPort > 65535 {
		return nil, fmt.Errorf("run.host_port %d is out of range", cfg.Run.HostPort)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. The CLI
// logs to stderr so that stdout carries only command output.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
