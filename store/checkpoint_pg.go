package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/casys-ai/pml-gateway/domain"
)

// Save inserts a checkpoint and prunes the workflow down to the keep
// most-recent ones.
func (p *Postgres) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint, keep int) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO checkpoint (id, workflow_id, timestamp, layer, state)
		VALUES ($1, $2, $3, $4, $5)`,
		cp.ID, cp.WorkflowID, cp.Timestamp, cp.Layer, state)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if keep <= 0 {
		return nil
	}
	_, err = p.pool.Exec(ctx, `
		DELETE FROM checkpoint
		WHERE workflow_id = $1 AND id NOT IN (
			SELECT id FROM checkpoint
			WHERE workflow_id = $1
			ORDER BY timestamp DESC
			LIMIT $2)`, cp.WorkflowID, keep)
	if err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

func (p *Postgres) LatestCheckpoint(ctx context.Context, workflowID string) (*domain.Checkpoint, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, workflow_id, timestamp, layer, state
		FROM checkpoint
		WHERE workflow_id = $1
		ORDER BY timestamp DESC
		LIMIT 1`, workflowID)
	return scanCheckpoint(row)
}

func (p *Postgres) GetCheckpoint(ctx context.Context, id string) (*domain.Checkpoint, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, workflow_id, timestamp, layer, state
		FROM checkpoint WHERE id = $1`, id)
	return scanCheckpoint(row)
}

func (p *Postgres) DeleteCheckpointsForWorkflow(ctx context.Context, workflowID string) error {
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM checkpoint WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", workflowID, err)
	}
	return nil
}

func scanCheckpoint(row rowScanner) (*domain.Checkpoint, error) {
	var (
		cp    domain.Checkpoint
		state []byte
	)
	if err := row.Scan(&cp.ID, &cp.WorkflowID, &cp.Timestamp, &cp.Layer, &state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	if err := json.Unmarshal(state, &cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	return &cp, nil
}
