package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/casys-ai/pml-gateway/domain"
)

// InsertExecutionTraces batch-inserts traces. ON CONFLICT DO NOTHING
// on the record UUID makes re-flushing a partially failed batch safe.
func (p *Postgres) InsertExecutionTraces(ctx context.Context, traces []domain.ExecutionTrace) error {
	if len(traces) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, tr := range traces {
		decisions, err := json.Marshal(tr.Decisions)
		if err != nil {
			return fmt.Errorf("marshal decisions: %w", err)
		}
		results, err := json.Marshal(tr.TaskResults)
		if err != nil {
			return fmt.Errorf("marshal task results: %w", err)
		}
		var embedding any
		if len(tr.IntentEmbedding) > 0 {
			embedding = encodeVector(tr.IntentEmbedding)
		}
		batch.Queue(`
			INSERT INTO execution_trace (id, capability_id, intent_text,
				intent_embedding, executed_at, success, duration_ms, error_type,
				user_id, executed_path, decisions, task_results, priority,
				parent_trace_id)
			VALUES ($1,$2,$3,$4::vector,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (id) DO NOTHING`,
			tr.ID, tr.CapabilityID, tr.IntentText, embedding, tr.ExecutedAt,
			tr.Success, tr.DurationMs, string(tr.ErrorType), tr.UserID,
			tr.ExecutedPath, decisions, results, tr.Priority, tr.ParentTraceID)
	}
	return p.sendBatch(ctx, batch, "execution traces")
}

// InsertAlgorithmTraces batch-inserts scoring decisions, idempotent on
// trace_id.
func (p *Postgres) InsertAlgorithmTraces(ctx context.Context, traces []domain.AlgorithmTrace) error {
	if len(traces) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, tr := range traces {
		signals, err := json.Marshal(tr.Signals)
		if err != nil {
			return fmt.Errorf("marshal signals: %w", err)
		}
		params, err := json.Marshal(tr.Params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		outcome, err := json.Marshal(tr.Outcome)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		batch.Queue(`
			INSERT INTO algorithm_trace (trace_id, correlation_id, algorithm_name,
				algorithm_mode, target_type, target_id, intent, context_hash,
				signals, params, final_score, threshold_used, decision, outcome,
				timestamp)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (trace_id) DO NOTHING`,
			tr.TraceID, tr.CorrelationID, tr.AlgorithmName, string(tr.Mode),
			tr.TargetType, tr.TargetID, tr.Intent, tr.ContextHash, signals,
			params, tr.FinalScore, tr.ThresholdUsed, string(tr.Decision),
			outcome, tr.Timestamp)
	}
	return p.sendBatch(ctx, batch, "algorithm traces")
}

func (p *Postgres) sendBatch(ctx context.Context, batch *pgx.Batch, what string) error {
	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert %s: %w", what, err)
		}
	}
	return nil
}
