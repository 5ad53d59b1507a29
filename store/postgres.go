package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casys-ai/pml-gateway/structure"
)

// Postgres backs every store interface with one pgx pool. Vector
// search uses pgvector's cosine-distance operator.
type Postgres struct {
	pool     *pgxpool.Pool
	embedder Embedder
	builder  *structure.Builder
	logger   *slog.Logger
}

// NewPostgres connects the pool. Call Migrate before first use.
func NewPostgres(ctx context.Context, dsn string, embedder Embedder, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{
		pool:     pool,
		embedder: embedder,
		builder:  structure.NewBuilder(logger),
		logger:   logger,
	}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS capability (
		id UUID PRIMARY KEY,
		namespace TEXT NOT NULL,
		action TEXT NOT NULL,
		code_snippet TEXT NOT NULL,
		code_hash TEXT,
		parameters_schema JSONB,
		intent_embedding vector(1024),
		success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		usage_count BIGINT NOT NULL DEFAULT 0,
		avg_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_used_at TIMESTAMPTZ,
		visibility TEXT NOT NULL DEFAULT 'private',
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		permission_set TEXT NOT NULL DEFAULT 'mcp-standard',
		permission_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		community_id INT,
		tools TEXT[]
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS capability_code_hash_idx
		ON capability (code_hash) WHERE code_hash IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS capability_fqdn_idx
		ON capability (namespace, action)`,

	`CREATE TABLE IF NOT EXISTS execution_trace (
		id UUID PRIMARY KEY,
		capability_id TEXT,
		intent_text TEXT,
		intent_embedding vector(1024),
		executed_at TIMESTAMPTZ NOT NULL,
		success BOOLEAN NOT NULL,
		duration_ms BIGINT NOT NULL,
		error_type TEXT,
		user_id TEXT,
		executed_path TEXT[],
		decisions JSONB,
		task_results JSONB,
		priority DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		parent_trace_id TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS algorithm_trace (
		trace_id UUID PRIMARY KEY,
		correlation_id TEXT,
		algorithm_name TEXT NOT NULL,
		algorithm_mode TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		intent TEXT,
		context_hash TEXT,
		signals JSONB,
		params JSONB,
		final_score DOUBLE PRECISION NOT NULL,
		threshold_used DOUBLE PRECISION NOT NULL,
		decision TEXT NOT NULL,
		outcome JSONB,
		timestamp TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS capability_dependency (
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		observed_count BIGINT NOT NULL DEFAULT 0,
		confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		edge_type TEXT NOT NULL,
		edge_source TEXT NOT NULL DEFAULT 'observed',
		PRIMARY KEY (from_id, to_id, edge_type)
	)`,

	`CREATE TABLE IF NOT EXISTS checkpoint (
		id UUID PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		layer INT NOT NULL,
		state JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS checkpoint_workflow_idx
		ON checkpoint (workflow_id, timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS adaptive_thresholds (
		context_hash TEXT PRIMARY KEY,
		context_keys JSONB,
		suggestion_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.70,
		explicit_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.55,
		success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		sample_count BIGINT NOT NULL DEFAULT 0
	)`,
}

// Migrate applies the schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// encodeVector renders a pgvector literal: "[0.1,0.2,...]".
func encodeVector(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// decodeVector parses a pgvector literal back into a slice.
func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("decode vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
