package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Executor.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want 8", config.Executor.MaxConcurrency)
	}
	if config.Executor.DefaultTaskTimeout != 30*time.Second {
		t.Errorf("DefaultTaskTimeout = %v, want 30s", config.Executor.DefaultTaskTimeout)
	}
	if config.Executor.AbortTimeout != 5*time.Second {
		t.Errorf("AbortTimeout = %v, want 5s", config.Executor.AbortTimeout)
	}
	if config.Executor.CheckpointsPerWorkflow != 5 {
		t.Errorf("CheckpointsPerWorkflow = %d, want 5", config.Executor.CheckpointsPerWorkflow)
	}
	if config.Redis.WorkflowTTL != time.Hour {
		t.Errorf("WorkflowTTL = %v, want 1h", config.Redis.WorkflowTTL)
	}
	if config.Trace.BufferSize != 100 {
		t.Errorf("Trace.BufferSize = %d, want 100", config.Trace.BufferSize)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db url", func(c *Config) { c.Database.URL = "" }},
		{"zero concurrency", func(c *Config) { c.Executor.MaxConcurrency = 0 }},
		{"zero timeout", func(c *Config) { c.Executor.DefaultTaskTimeout = 0 }},
		{"zero checkpoints", func(c *Config) { c.Executor.CheckpointsPerWorkflow = 0 }},
		{"threshold out of range", func(c *Config) { c.Matcher.DefaultThreshold = 0.95 }},
		{"zero buffer", func(c *Config) { c.Trace.BufferSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	data := []byte("executor:\n  max_concurrency: 4\nnats:\n  url: nats://localhost:4222\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error: %v", err)
	}
	if config.Executor.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want 4", config.Executor.MaxConcurrency)
	}
	// Unset fields keep defaults.
	if config.Trace.BufferSize != 100 {
		t.Errorf("BufferSize = %d, want default 100", config.Trace.BufferSize)
	}
	if config.NATS.URL != "nats://localhost:4222" {
		t.Errorf("NATS.URL = %q", config.NATS.URL)
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv(EnvMaxConcurrency, "2")
	t.Setenv(EnvDefaultTaskTimeoutMs, "1500")
	t.Setenv(EnvAbortTimeoutMs, "250")
	t.Setenv(EnvCheckpointsPerWorkflow, "3")
	t.Setenv(EnvDBPath, "postgres://db:5432/pml")

	config, err := NewLoader(nil).Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if config.Executor.MaxConcurrency != 2 {
		t.Errorf("MaxConcurrency = %d, want 2", config.Executor.MaxConcurrency)
	}
	if config.Executor.DefaultTaskTimeout != 1500*time.Millisecond {
		t.Errorf("DefaultTaskTimeout = %v, want 1.5s", config.Executor.DefaultTaskTimeout)
	}
	if config.Executor.AbortTimeout != 250*time.Millisecond {
		t.Errorf("AbortTimeout = %v, want 250ms", config.Executor.AbortTimeout)
	}
	if config.Executor.CheckpointsPerWorkflow != 3 {
		t.Errorf("CheckpointsPerWorkflow = %d, want 3", config.Executor.CheckpointsPerWorkflow)
	}
	if config.Database.URL != "postgres://db:5432/pml" {
		t.Errorf("Database.URL = %q", config.Database.URL)
	}
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv(EnvMaxConcurrency, "eight")
	if _, err := NewLoader(nil).Load(""); err == nil {
		t.Error("Load() = nil error, want parse failure")
	}
}
