// Package cache provides the ephemeral workflow-state cache: a TTL'd
// key-value mapping from workflow ID to resumable state. Expiration is
// handled by the underlying store; every write refreshes the TTL.
package cache

import (
	"context"
	"errors"

	"github.com/casys-ai/pml-gateway/domain"
)

// ErrNotFound is returned when a workflow has no cached state (never
// saved, deleted, or expired).
var ErrNotFound = errors.New("workflow state not found")

// ErrConflict is returned when a compare-and-swap update lost a race
// with a concurrent writer.
var ErrConflict = errors.New("workflow state modified concurrently")

// UpdateFunc transforms the current state during an Update. Returning
// an error aborts the update.
type UpdateFunc func(*domain.WorkflowState) error

// WorkflowCache is the narrow interface the executor and router use.
// Implementations: Redis (production) and Memory (tests, single
// process deployments).
type WorkflowCache interface {
	// Save stores the state and sets the TTL.
	Save(ctx context.Context, state *domain.WorkflowState) error

	// Get loads the state, or ErrNotFound.
	Get(ctx context.Context, workflowID string) (*domain.WorkflowState, error)

	// Update applies fn to the current state under the store's
	// compare-and-swap primitive and refreshes the TTL. Fails with
	// ErrNotFound if the workflow has no cached state.
	Update(ctx context.Context, workflowID string, fn UpdateFunc) error

	// Delete removes the state. Deleting an absent key is a no-op.
	Delete(ctx context.Context, workflowID string) error

	// Extend refreshes the TTL without modifying the state.
	Extend(ctx context.Context, workflowID string) error
}
