// Package config provides configuration loading and management for the
// PML gateway.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Executor ExecutorConfig `yaml:"executor"`
	Matcher  MatcherConfig  `yaml:"matcher"`
	Trace    TraceConfig    `yaml:"trace"`
	Bus      BusConfig      `yaml:"bus"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// URL is the Postgres connection string.
	URL string `yaml:"url"`
}

// RedisConfig configures the ephemeral workflow-state cache.
type RedisConfig struct {
	// Addr is the Redis host:port.
	Addr string `yaml:"addr"`
	// DB is the Redis logical database.
	DB int `yaml:"db"`
	// WorkflowTTL is the workflow-state expiration, refreshed on write.
	WorkflowTTL time.Duration `yaml:"workflow_ttl"`
}

// NATSConfig configures the event-bus fan-out connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = fan-out disabled).
	URL string `yaml:"url"`
	// SubjectPrefix is the broadcast subject prefix for peer fan-out.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ExecutorConfig configures the controlled executor.
type ExecutorConfig struct {
	// MaxConcurrency is the per-workflow parallel dispatch limit.
	MaxConcurrency int `yaml:"max_concurrency"`
	// DefaultTaskTimeout bounds a single task invocation.
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
	// AbortTimeout is the grace window given to in-flight tasks on abort.
	AbortTimeout time.Duration `yaml:"abort_timeout"`
	// CheckpointsPerWorkflow is how many recent checkpoints are kept.
	CheckpointsPerWorkflow int `yaml:"checkpoints_per_workflow"`
	// CheckpointEveryLayer also checkpoints at each completed layer.
	CheckpointEveryLayer bool `yaml:"checkpoint_every_layer"`
	// SpeculationThreshold is the predictor confidence above which a
	// task may start before its nominal ready time.
	SpeculationThreshold float64 `yaml:"speculation_threshold"`
	// DangerousToolPattern suppresses speculation for matching tools.
	DangerousToolPattern string `yaml:"dangerous_tool_pattern"`
}

// MatcherConfig configures the capability matcher.
type MatcherConfig struct {
	// CandidateK is the semantic-search fan-in.
	CandidateK int `yaml:"candidate_k"`
	// DefaultThreshold applies when no adaptive threshold is stored.
	DefaultThreshold float64 `yaml:"default_threshold"`
}

// TraceConfig configures the buffered trace sink.
type TraceConfig struct {
	// BufferSize is the per-writer record capacity before a flush.
	BufferSize int `yaml:"buffer_size"`
	// FlushInterval flushes partial buffers on a timer.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// BusConfig configures the in-process event bus.
type BusConfig struct {
	// SubscriberQueue is the bounded per-subscriber queue length;
	// overflow drops the oldest event and counts the drop.
	SubscriberQueue int `yaml:"subscriber_queue"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/pml?sslmode=disable",
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			WorkflowTTL: time.Hour,
		},
		NATS: NATSConfig{
			URL:           "",
			SubjectPrefix: "pml.events",
		},
		Executor: ExecutorConfig{
			MaxConcurrency:         8,
			DefaultTaskTimeout:     30 * time.Second,
			AbortTimeout:           5 * time.Second,
			CheckpointsPerWorkflow: 5,
			SpeculationThreshold:   0.85,
			DangerousToolPattern:   `(?i)delete|remove|destroy|drop|deploy|publish|send_email|payment|transfer|execute_sql`,
		},
		Matcher: MatcherConfig{
			CandidateK:       20,
			DefaultThreshold: 0.70,
		},
		Trace: TraceConfig{
			BufferSize:    100,
			FlushInterval: 5 * time.Second,
		},
		Bus: BusConfig{
			SubscriberQueue: 64,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Executor.MaxConcurrency < 1 {
		return fmt.Errorf("executor.max_concurrency must be at least 1")
	}
	if c.Executor.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("executor.default_task_timeout must be positive")
	}
	if c.Executor.CheckpointsPerWorkflow < 1 {
		return fmt.Errorf("executor.checkpoints_per_workflow must be at least 1")
	}
	if c.Matcher.DefaultThreshold < 0.40 || c.Matcher.DefaultThreshold > 0.90 {
		return fmt.Errorf("matcher.default_threshold must be within [0.40, 0.90]")
	}
	if c.Trace.BufferSize < 1 {
		return fmt.Errorf("trace.buffer_size must be at least 1")
	}
	if c.Redis.WorkflowTTL <= 0 {
		return fmt.Errorf("redis.workflow_ttl must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}
