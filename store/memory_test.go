package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml-gateway/domain"
)

// stubEmbedder returns a fixed vector per text, defaulting to a unit
// basis vector.
type stubEmbedder struct {
	vecs map[string][]float32
}

func (s stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func newTestStore() *Memory {
	return NewMemory(stubEmbedder{}, nil)
}

func TestSaveDedupByRenaming(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	codeA := `const f = await mcp.fs.read({path: args.p}); return mcp.json.parse({text: f.content});`
	codeB := `const data = await mcp.fs.read({path: args.p}); return mcp.json.parse({text: data.content});`

	first, err := m.Save(ctx, SaveRequest{Code: codeA, Intent: "read and parse", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, first.IsNew)
	require.EqualValues(t, 1, first.Capability.Stats.UsageCount)

	second, err := m.Save(ctx, SaveRequest{Code: codeB, Intent: "read and parse", UserID: "u1"})
	require.NoError(t, err)
	require.False(t, second.IsNew)
	require.Equal(t, first.Capability.ID, second.Capability.ID)
	require.Equal(t, first.Capability.CodeHash, second.Capability.CodeHash)
	require.EqualValues(t, 2, second.Capability.Stats.UsageCount)
}

func TestSaveDedupByReformatting(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	codeA := `const f = await mcp.fs.read({path: args.p}); await mcp.s.post({text: f.content});`
	codeB := `
// fetch then post
const f = await mcp.fs.read({ path: args.p });

await mcp.s.post({ text: f.content });
`

	first, err := m.Save(ctx, SaveRequest{Code: codeA, Intent: "post a file", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, first.IsNew)

	second, err := m.Save(ctx, SaveRequest{Code: codeB, Intent: "post a file", UserID: "u1"})
	require.NoError(t, err)
	require.False(t, second.IsNew)
	require.Equal(t, first.Capability.ID, second.Capability.ID)
	require.EqualValues(t, 2, second.Capability.Stats.UsageCount)
}

func TestSaveNormalisesSnippet(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	res, err := m.Save(ctx, SaveRequest{
		Code:   `const f = await mcp.fs.read({path: "a"}); await mcp.s.post({text: f.content});`,
		Intent: "post file",
	})
	require.NoError(t, err)
	require.Contains(t, res.Capability.CodeSnippet, "_n1.content")
	require.NotContains(t, res.Capability.CodeSnippet, "f.content")
	require.Equal(t, []string{"fs:read", "s:post"}, res.Capability.Tools)
	require.Equal(t, "learned", res.Capability.FQDN.Namespace)
}

func TestSaveParametersSchema(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	res, err := m.Save(ctx, SaveRequest{
		Code:   `await mcp.fs.read({path: args.p});`,
		Intent: "read a file",
	})
	require.NoError(t, err)
	schema := res.Capability.ParametersSchema
	require.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	require.Contains(t, props, "p")
}

func TestUpdateStatsOnlineMean(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	res, err := m.Save(ctx, SaveRequest{Code: `await mcp.a.b({});`, Intent: "x"})
	require.NoError(t, err)
	id := res.Capability.ID

	// Save counts one success with unknown duration.
	require.NoError(t, m.UpdateStats(ctx, id, false, 200))
	require.NoError(t, m.UpdateStats(ctx, id, true, 400))

	c, err := m.FindByID(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 3, c.Stats.UsageCount)
	require.InDelta(t, 2.0/3.0, c.Stats.SuccessRate, 1e-9)
	require.InDelta(t, 200.0, c.Stats.AvgDurationMs, 1e-9)

	require.ErrorIs(t, m.UpdateStats(ctx, uuid.NewString(), true, 1), ErrNotFound)
}

func TestSearchByIntentRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(stubEmbedder{vecs: map[string][]float32{
		"near": {1, 0, 0},
		"far":  {0, 1, 0},
	}}, nil)

	_, err := m.Save(ctx, SaveRequest{Code: `await mcp.a.b({});`, Intent: "near"})
	require.NoError(t, err)
	_, err = m.Save(ctx, SaveRequest{Code: `await mcp.c.d({});`, Intent: "far"})
	require.NoError(t, err)

	out, err := m.SearchByIntent(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Greater(t, out[0].Similarity, out[1].Similarity)
	require.Equal(t, []string{"a:b"}, out[0].Capability.Tools)
	require.InDelta(t, 1.0, out[0].Similarity, 1e-6)
	require.InDelta(t, 0.0, out[1].Similarity, 1e-6)
}

func TestFindByFQDN(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	res, err := m.Save(ctx, SaveRequest{Code: `await mcp.a.b({});`, Intent: "x"})
	require.NoError(t, err)

	found, err := m.FindByFQDN(ctx, res.Capability.FQDN)
	require.NoError(t, err)
	require.Equal(t, res.Capability.ID, found.ID)

	_, err = m.FindByFQDN(ctx, domain.FQDN{Namespace: "learned", Action: "nope"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestObserveEdge(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	require.NoError(t, m.ObserveEdge(ctx, "fs:read", "s:post", domain.EdgeSequence))
	require.NoError(t, m.ObserveEdge(ctx, "fs:read", "s:post", domain.EdgeSequence))

	edges, err := m.Edges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.EqualValues(t, 2, edges[0].ObservedCount)
	require.Equal(t, "observed", edges[0].EdgeSource)

	n, err := m.EdgeCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCheckpointPruning(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	base := time.Now().UTC()

	for i := 0; i < 4; i++ {
		cp := domain.Checkpoint{
			ID:         uuid.NewString(),
			WorkflowID: "w1",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Layer:      i,
		}
		require.NoError(t, m.SaveCheckpoint(ctx, cp, 2))
	}

	latest, err := m.LatestCheckpoint(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 3, latest.Layer)

	// Only the two most recent survive.
	_, err = m.GetCheckpoint(ctx, latest.ID)
	require.NoError(t, err)
	require.Len(t, m.checkpoints["w1"], 2)

	require.NoError(t, m.DeleteCheckpointsForWorkflow(ctx, "w1"))
	_, err = m.LatestCheckpoint(ctx, "w1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestThresholdRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	_, err := m.Get(ctx, "ctx1")
	require.ErrorIs(t, err, ErrNotFound)

	in := Threshold{ContextHash: "ctx1", Suggestion: 0.72, Explicit: 0.55, SampleCount: 3}
	require.NoError(t, m.Put(ctx, in))

	out, err := m.Get(ctx, "ctx1")
	require.NoError(t, err)
	require.Equal(t, in, *out)
}

func TestTraceInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	tr := domain.ExecutionTrace{ID: uuid.NewString(), ExecutedAt: time.Now(), Success: true}
	require.NoError(t, m.InsertExecutionTraces(ctx, []domain.ExecutionTrace{tr}))
	require.NoError(t, m.InsertExecutionTraces(ctx, []domain.ExecutionTrace{tr}))
	require.Equal(t, 1, m.ExecutionTraceCount())

	at := domain.AlgorithmTrace{TraceID: uuid.NewString(), AlgorithmName: "capability_match"}
	require.NoError(t, m.InsertAlgorithmTraces(ctx, []domain.AlgorithmTrace{at}))
	require.NoError(t, m.InsertAlgorithmTraces(ctx, []domain.AlgorithmTrace{at}))
	require.Equal(t, 1, m.AlgorithmTraceCount())
}

func TestCosine(t *testing.T) {
	require.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	require.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	// Negative similarity clamps to zero.
	require.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	require.Zero(t, Cosine(nil, []float32{1}))
}
