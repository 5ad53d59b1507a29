package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func (p *Postgres) Get(ctx context.Context, contextHash string) (*Threshold, error) {
	var (
		t        Threshold
		keysJSON []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT context_hash, context_keys, suggestion_threshold,
			explicit_threshold, success_rate, sample_count
		FROM adaptive_thresholds WHERE context_hash = $1`, contextHash).
		Scan(&t.ContextHash, &keysJSON, &t.Suggestion, &t.Explicit,
			&t.SuccessRate, &t.SampleCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get threshold %s: %w", contextHash, err)
	}
	if len(keysJSON) > 0 {
		if err := json.Unmarshal(keysJSON, &t.ContextKeys); err != nil {
			return nil, fmt.Errorf("decode threshold context keys: %w", err)
		}
	}
	return &t, nil
}

func (p *Postgres) Put(ctx context.Context, t Threshold) error {
	keysJSON, err := json.Marshal(t.ContextKeys)
	if err != nil {
		return fmt.Errorf("marshal threshold context keys: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO adaptive_thresholds (context_hash, context_keys,
			suggestion_threshold, explicit_threshold, success_rate, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (context_hash) DO UPDATE SET
			context_keys = EXCLUDED.context_keys,
			suggestion_threshold = EXCLUDED.suggestion_threshold,
			explicit_threshold = EXCLUDED.explicit_threshold,
			success_rate = EXCLUDED.success_rate,
			sample_count = EXCLUDED.sample_count`,
		t.ContextHash, keysJSON, t.Suggestion, t.Explicit, t.SuccessRate, t.SampleCount)
	if err != nil {
		return fmt.Errorf("put threshold %s: %w", t.ContextHash, err)
	}
	return nil
}
