package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/structure"
)

// Memory implements every store interface in process memory. It backs
// the tests and DB-less deployments; the semantics mirror the Postgres
// backend.
type Memory struct {
	mu       sync.Mutex
	embedder Embedder
	builder  *structure.Builder

	caps   map[string]*domain.Capability
	byHash map[string]string
	byFQDN map[string]string

	execTraces map[string]domain.ExecutionTrace
	algoTraces map[string]domain.AlgorithmTrace

	edges map[string]*domain.DependencyEdge

	checkpoints map[string][]domain.Checkpoint

	thresholds map[string]Threshold

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(embedder Embedder, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		embedder:    embedder,
		builder:     structure.NewBuilder(logger),
		caps:        map[string]*domain.Capability{},
		byHash:      map[string]string{},
		byFQDN:      map[string]string{},
		execTraces:  map[string]domain.ExecutionTrace{},
		algoTraces:  map[string]domain.AlgorithmTrace{},
		edges:       map[string]*domain.DependencyEdge{},
		checkpoints: map[string][]domain.Checkpoint{},
		thresholds:  map[string]Threshold{},
		now:         time.Now,
	}
}

func (m *Memory) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	prep, err := prepareCapability(ctx, m.builder, req.Code)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if id, ok := m.byHash[prep.hash]; ok {
		// Same structure hash means the same capability; the stored
		// snippet text may be formatted differently.
		existing := m.caps[id]
		now := m.now().UTC()
		n := float64(existing.Stats.UsageCount)
		existing.Stats.SuccessRate = (existing.Stats.SuccessRate*n + 1) / (n + 1)
		existing.Stats.UsageCount++
		existing.Stats.LastUsedAt = &now
		out := *existing
		m.mu.Unlock()
		return &SaveResult{Capability: &out, IsNew: false}, nil
	}
	m.mu.Unlock()

	// Embed outside the lock; the embedding call may be slow.
	embedding, err := m.embedder.Embed(ctx, req.Intent)
	if err != nil {
		return nil, fmt.Errorf("embed intent: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byHash[prep.hash]; ok {
		// Lost the race to a concurrent save of the same snippet.
		out := *m.caps[id]
		return &SaveResult{Capability: &out, IsNew: false}, nil
	}
	c := newCapability(prep, req, embedding)
	m.caps[c.ID] = c
	m.byHash[c.CodeHash] = c.ID
	m.byFQDN[c.FQDN.String()] = c.ID
	out := *c
	return &SaveResult{Capability: &out, IsNew: true}, nil
}

func (m *Memory) FindByHash(ctx context.Context, hash string) (*domain.Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m.caps[id]
	return &out, nil
}

func (m *Memory) FindByID(ctx context.Context, id string) (*domain.Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caps[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (m *Memory) FindByFQDN(ctx context.Context, fqdn domain.FQDN) (*domain.Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byFQDN[fqdn.String()]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m.caps[id]
	return &out, nil
}

func (m *Memory) SearchByIntent(ctx context.Context, embedding []float32, k int) ([]ScoredCapability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ScoredCapability, 0, len(m.caps))
	for _, c := range m.caps {
		if len(c.IntentEmbedding) == 0 {
			continue
		}
		out = append(out, ScoredCapability{
			Capability: *c,
			Similarity: Cosine(embedding, c.IntentEmbedding),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) UpdateStats(ctx context.Context, id string, success bool, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caps[id]
	if !ok {
		return ErrNotFound
	}
	successValue := 0.0
	if success {
		successValue = 1.0
	}
	now := m.now().UTC()
	n := float64(c.Stats.UsageCount)
	c.Stats.SuccessRate = (c.Stats.SuccessRate*n + successValue) / (n + 1)
	c.Stats.AvgDurationMs = (c.Stats.AvgDurationMs*n + float64(durationMs)) / (n + 1)
	c.Stats.UsageCount++
	c.Stats.LastUsedAt = &now
	return nil
}

func (m *Memory) ListForUser(ctx context.Context, userID string, scope domain.Visibility, limit int) ([]domain.Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Capability
	for _, c := range m.caps {
		if c.CreatedBy == userID || c.Visibility == domain.VisibilityPublic || c.Visibility == scope {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].Stats.LastUsedAt, out[j].Stats.LastUsedAt
		switch {
		case li == nil:
			return false
		case lj == nil:
			return true
		default:
			return li.After(*lj)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertExecutionTraces(ctx context.Context, traces []domain.ExecutionTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range traces {
		if _, ok := m.execTraces[tr.ID]; ok {
			continue
		}
		m.execTraces[tr.ID] = tr
	}
	return nil
}

func (m *Memory) InsertAlgorithmTraces(ctx context.Context, traces []domain.AlgorithmTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range traces {
		if _, ok := m.algoTraces[tr.TraceID]; ok {
			continue
		}
		m.algoTraces[tr.TraceID] = tr
	}
	return nil
}

// ExecutionTraceCount is a test hook.
func (m *Memory) ExecutionTraceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.execTraces)
}

// AlgorithmTraceCount is a test hook.
func (m *Memory) AlgorithmTraceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.algoTraces)
}

func (m *Memory) ObserveEdge(ctx context.Context, from, to string, edgeType domain.EdgeType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := from + "|" + to + "|" + string(edgeType)
	if e, ok := m.edges[key]; ok {
		e.ObservedCount++
		e.ConfidenceScore = math.Min(1, e.ConfidenceScore+0.1)
		return nil
	}
	m.edges[key] = &domain.DependencyEdge{
		From:            from,
		To:              to,
		ObservedCount:   1,
		ConfidenceScore: 0.1,
		EdgeType:        edgeType,
		EdgeSource:      "observed",
	}
	return nil
}

func (m *Memory) Edges(ctx context.Context) ([]domain.DependencyEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DependencyEdge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out, nil
}

func (m *Memory) EdgeCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edges), nil
}

func (m *Memory) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	list := append(m.checkpoints[cp.WorkflowID], cp)
	sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.After(list[j].Timestamp) })
	if keep > 0 && len(list) > keep {
		list = list[:keep]
	}
	m.checkpoints[cp.WorkflowID] = list
	return nil
}

func (m *Memory) LatestCheckpoint(ctx context.Context, workflowID string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.checkpoints[workflowID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	out := list[0]
	return &out, nil
}

func (m *Memory) GetCheckpoint(ctx context.Context, id string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.checkpoints {
		for _, cp := range list {
			if cp.ID == id {
				out := cp
				return &out, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) DeleteCheckpointsForWorkflow(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, workflowID)
	return nil
}

func (m *Memory) Get(ctx context.Context, contextHash string) (*Threshold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thresholds[contextHash]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) Put(ctx context.Context, t Threshold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[t.ContextHash] = t
	return nil
}

// Cosine computes cosine similarity clamped to [0, 1]. Intent
// embeddings are unit vectors, so the dot product alone would do, but
// the norms guard against unnormalised test fixtures.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
