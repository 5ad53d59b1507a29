// Package store persists capabilities, traces, the dependency graph,
// checkpoints and adaptive thresholds. The production backend is
// Postgres (pgx + pgvector); in-memory implementations back the tests
// and small deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/structure"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// Embedder turns text into the 1024-D intent vector. The embedding
// model itself is an external collaborator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SaveRequest carries everything needed to learn a capability from a
// successfully executed snippet.
type SaveRequest struct {
	Code   string
	Intent string
	UserID string

	Visibility           domain.Visibility
	PermissionSet        domain.PermissionSet
	PermissionConfidence float64
}

// SaveResult reports the outcome of a save: the (possibly pre-existing)
// capability and whether this save created it.
type SaveResult struct {
	Capability *domain.Capability
	IsNew      bool
}

// ScoredCapability pairs a capability with its vector similarity to a
// query embedding.
type ScoredCapability struct {
	Capability domain.Capability
	Similarity float64
}

// CapabilityStore owns capabilities: content-addressed saves keyed by
// the structure hash, vector search, and online stats.
type CapabilityStore interface {
	// Save deduplicates by code hash: an existing hash bumps the stats
	// and returns IsNew=false; otherwise the capability is created with
	// a freshly computed intent embedding. The hash covers the canonical
	// structure, so reformatted or variable-renamed text of the same
	// snippet dedups onto the stored capability.
	Save(ctx context.Context, req SaveRequest) (*SaveResult, error)

	FindByHash(ctx context.Context, hash string) (*domain.Capability, error)
	FindByID(ctx context.Context, id string) (*domain.Capability, error)
	FindByFQDN(ctx context.Context, fqdn domain.FQDN) (*domain.Capability, error)

	// SearchByIntent returns the top-k capabilities by cosine
	// similarity to the query embedding, best first.
	SearchByIntent(ctx context.Context, embedding []float32, k int) ([]ScoredCapability, error)

	// UpdateStats folds one execution outcome into the online mean.
	UpdateStats(ctx context.Context, id string, success bool, durationMs int64) error

	ListForUser(ctx context.Context, userID string, scope domain.Visibility, limit int) ([]domain.Capability, error)
}

// TraceStore accepts batched trace inserts. Inserts are idempotent on
// the record UUID so the sink can safely retry a failed flush.
type TraceStore interface {
	InsertExecutionTraces(ctx context.Context, traces []domain.ExecutionTrace) error
	InsertAlgorithmTraces(ctx context.Context, traces []domain.AlgorithmTrace) error
}

// GraphStore maintains the capability/tool dependency graph the
// matcher and suggester read their signals from.
type GraphStore interface {
	// ObserveEdge upserts an observed edge, incrementing its count.
	ObserveEdge(ctx context.Context, from, to string, edgeType domain.EdgeType) error
	Edges(ctx context.Context) ([]domain.DependencyEdge, error)
	EdgeCount(ctx context.Context) (int, error)
}

// CheckpointStore persists resumable snapshots, keeping only the most
// recent ones per workflow. Method names carry the Checkpoint prefix
// because the production backend implements every store interface on
// one type.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint, keep int) error
	LatestCheckpoint(ctx context.Context, workflowID string) (*domain.Checkpoint, error)
	GetCheckpoint(ctx context.Context, id string) (*domain.Checkpoint, error)
	DeleteCheckpointsForWorkflow(ctx context.Context, workflowID string) error
}

// Threshold is one adaptive-threshold row, keyed by the context hash.
type Threshold struct {
	ContextHash string   `json:"context_hash"`
	ContextKeys []string `json:"context_keys,omitempty"`

	// Suggestion is clamped to [0.40, 0.90], Explicit to [0.30, 0.80].
	Suggestion float64 `json:"suggestion_threshold"`
	Explicit   float64 `json:"explicit_threshold"`

	SuccessRate float64 `json:"success_rate"`
	SampleCount int64   `json:"sample_count"`
}

// ThresholdStore persists adaptive thresholds. Updates are
// read-modify-write with the context hash as the serialisation key.
type ThresholdStore interface {
	Get(ctx context.Context, contextHash string) (*Threshold, error)
	Put(ctx context.Context, t Threshold) error
}

// preparedCapability is the canonical form shared by the backends'
// Save implementations.
type preparedCapability struct {
	hash       string
	snippet    string
	schema     map[string]any
	tools      []string
	parameters []string
}

func prepareCapability(ctx context.Context, b *structure.Builder, code string) (*preparedCapability, error) {
	s, err := b.Build(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("build structure: %w", err)
	}
	return &preparedCapability{
		hash:       structure.CodeHash(s),
		snippet:    structure.NormalizeSnippet(code, s),
		schema:     parametersSchema(s.Parameters),
		tools:      s.Tools(),
		parameters: s.Parameters,
	}, nil
}

// parametersSchema renders the snippet's external inputs as a
// JSON-schema-like object.
func parametersSchema(params []string) map[string]any {
	if len(params) == 0 {
		return nil
	}
	props := map[string]any{}
	for _, p := range params {
		props[p] = map[string]any{"type": "string"}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   params,
	}
}

// deriveFQDN names a freshly learned capability: the first tool it
// calls plus a hash prefix, under the "learned" namespace.
func deriveFQDN(tools []string, hash string) domain.FQDN {
	action := "snippet"
	if len(tools) > 0 {
		action = strings.NewReplacer(":", "_", ".", "_").Replace(tools[0])
	}
	suffix := hash
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return domain.FQDN{Namespace: "learned", Action: action + "_" + suffix}
}
