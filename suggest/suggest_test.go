package suggest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/matcher"
	"github.com/casys-ai/pml-gateway/store"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeCaps struct {
	store.CapabilityStore
	results []store.ScoredCapability
}

func (f fakeCaps) SearchByIntent(_ context.Context, _ []float32, _ int) ([]store.ScoredCapability, error) {
	return f.results, nil
}

type fakeCatalog struct {
	hits []ScoredTool
}

func (f fakeCatalog) SearchTools(_ context.Context, _ string, _ int) ([]ScoredTool, error) {
	return f.hits, nil
}

func newSuggester(caps fakeCaps, graph store.GraphStore, catalog ToolCatalog) *Suggester {
	mem := store.NewMemory(stubEmbedder{}, nil)
	if graph == nil {
		graph = mem
	}
	th := matcher.NewThresholds(mem, 0.70, nil)
	m := matcher.New(caps, graph, stubEmbedder{}, th, nil, matcher.Config{}, nil)
	return New(m, graph, catalog, nil)
}

func TestSuggestMatchedCapability(t *testing.T) {
	caps := fakeCaps{results: []store.ScoredCapability{{
		Capability: domain.Capability{
			ID:   "cap-1",
			FQDN: domain.FQDN{Namespace: "learned", Action: "fs_read_abc"},
			ParametersSchema: map[string]any{
				"type":     "object",
				"required": []any{"p", "q"},
			},
			Stats: domain.CapabilityStats{SuccessRate: 1, UsageCount: 3},
		},
		Similarity: 0.9,
	}}}

	s := newSuggester(caps, nil, nil)
	out, err := s.Suggest(context.Background(), "read a file", nil, map[string]any{"p": "a.txt"})
	require.NoError(t, err)
	require.NotNil(t, out.DAG)
	require.InDelta(t, 0.9, out.Confidence, 1e-9)
	require.Equal(t, "cap-1", out.Capability.ID)

	require.Len(t, out.DAG.Tasks, 1)
	task := out.DAG.Tasks[0]
	require.Equal(t, domain.TaskCapability, task.Type)
	require.Equal(t, "learned.fs_read_abc", task.CapabilityID)
	require.Equal(t, domain.Literal("a.txt"), task.Arguments["p"])
	require.Equal(t, domain.Parameter("q"), task.Arguments["q"])
}

func TestSuggestZeroConfidenceWithoutCatalog(t *testing.T) {
	s := newSuggester(fakeCaps{}, nil, nil)
	out, err := s.Suggest(context.Background(), "unknown intent", nil, nil)
	require.NoError(t, err)
	require.Nil(t, out.DAG)
	require.Zero(t, out.Confidence)
}

func TestSuggestComposesToolPath(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(stubEmbedder{}, nil)
	// Observed sequence fs:read → json:parse → s:post.
	require.NoError(t, mem.ObserveEdge(ctx, "fs:read", "json:parse", domain.EdgeSequence))
	require.NoError(t, mem.ObserveEdge(ctx, "json:parse", "s:post", domain.EdgeSequence))

	s := newSuggester(fakeCaps{}, mem, fakeCatalog{hits: []ScoredTool{
		{Name: "fs:read", Score: 0.9},
		{Name: "other:tool", Score: 0.2},
	}})

	out, err := s.Suggest(ctx, "read then post", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, out.DAG)
	require.Greater(t, out.Confidence, 0.0)

	var tools []string
	for _, task := range out.DAG.Tasks {
		tools = append(tools, task.Tool)
	}
	require.Equal(t, []string{"fs:read", "json:parse", "s:post"}, tools)
	// The composed path is strictly sequential.
	require.Empty(t, out.DAG.Tasks[0].DependsOn)
	require.Equal(t, []string{"n1"}, out.DAG.Tasks[1].DependsOn)
	require.Equal(t, []string{"n2"}, out.DAG.Tasks[2].DependsOn)
	require.NoError(t, out.DAG.Validate())
}

func TestSuggestCatalogWithoutHits(t *testing.T) {
	s := newSuggester(fakeCaps{}, nil, fakeCatalog{})
	out, err := s.Suggest(context.Background(), "nothing matches", nil, nil)
	require.NoError(t, err)
	require.Nil(t, out.DAG)
	require.Zero(t, out.Confidence)
}
