package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pml:workflow:"

// Redis implements WorkflowCache over a Redis instance. Update uses
// WATCH-based optimistic transactions so read-modify-write sequences
// never interleave.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed workflow cache.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

func workflowKey(id string) string {
	return keyPrefix + id
}

// Save implements WorkflowCache.
func (r *Redis) Save(ctx context.Context, state *domain.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	if err := r.client.Set(ctx, workflowKey(state.WorkflowID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save workflow state: %w", err)
	}
	return nil
}

// Get implements WorkflowCache.
func (r *Redis) Get(ctx context.Context, workflowID string) (*domain.WorkflowState, error) {
	data, err := r.client.Get(ctx, workflowKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get workflow state: %w", err)
	}
	var state domain.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal workflow state: %w", err)
	}
	return &state, nil
}

// Update implements WorkflowCache with an optimistic WATCH
// transaction, retried a few times on contention.
func (r *Redis) Update(ctx context.Context, workflowID string, fn UpdateFunc) error {
	key := workflowKey(workflowID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var state domain.WorkflowState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("unmarshal workflow state: %w", err)
		}
		if err := fn(&state); err != nil {
			return err
		}
		updated, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("marshal workflow state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, r.ttl)
			return nil
		})
		return err
	}

	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// Delete implements WorkflowCache.
func (r *Redis) Delete(ctx context.Context, workflowID string) error {
	if err := r.client.Del(ctx, workflowKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("delete workflow state: %w", err)
	}
	return nil
}

// Extend implements WorkflowCache.
func (r *Redis) Extend(ctx context.Context, workflowID string) error {
	ok, err := r.client.Expire(ctx, workflowKey(workflowID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("extend workflow ttl: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
