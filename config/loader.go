package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Environment variable names the gateway honors. These override both
// defaults and file values.
const (
	EnvDBPath                 = "DB_PATH"
	EnvMaxConcurrency         = "MAX_CONCURRENCY"
	EnvDefaultTaskTimeoutMs   = "DEFAULT_TASK_TIMEOUT_MS"
	EnvAbortTimeoutMs         = "ABORT_TIMEOUT_MS"
	EnvCheckpointsPerWorkflow = "CHECKPOINTS_PER_WORKFLOW"
	EnvNATSURL                = "NATS_URL"
	EnvRedisAddr              = "REDIS_ADDR"
)

// Loader loads configuration with layered precedence: defaults, then
// an optional YAML file, then environment variables.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration from the given file path (empty = defaults
// only) and applies environment overrides.
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Debug("No config file found, using defaults", slog.String("path", path))
			} else {
				return nil, err
			}
		} else {
			l.logger.Debug("Loaded config file", slog.String("path", path))
			config = fileConfig
		}
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnv overlays environment variables onto the config.
func (l *Loader) applyEnv(config *Config) error {
	if v := os.Getenv(EnvDBPath); v != "" {
		config.Database.URL = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		config.NATS.URL = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		config.Redis.Addr = v
	}
	if v := os.Getenv(EnvMaxConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxConcurrency, err)
		}
		config.Executor.MaxConcurrency = n
	}
	if v := os.Getenv(EnvDefaultTaskTimeoutMs); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDefaultTaskTimeoutMs, err)
		}
		config.Executor.DefaultTaskTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv(EnvAbortTimeoutMs); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAbortTimeoutMs, err)
		}
		config.Executor.AbortTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv(EnvCheckpointsPerWorkflow); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCheckpointsPerWorkflow, err)
		}
		config.Executor.CheckpointsPerWorkflow = n
	}
	return nil
}
