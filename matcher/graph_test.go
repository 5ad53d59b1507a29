package matcher

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml-gateway/domain"
)

func edge(from, to string, count int64) domain.DependencyEdge {
	return domain.DependencyEdge{From: from, To: to, ObservedCount: count,
		EdgeType: domain.EdgeSequence, EdgeSource: "observed"}
}

func TestGraphDensity(t *testing.T) {
	g := NewGraph([]domain.DependencyEdge{edge("a", "b", 1), edge("b", "c", 1)})
	require.InDelta(t, 2.0/6.0, g.Density(), 1e-9)

	require.Zero(t, NewGraph(nil).Density())
}

func TestGraphHasEdgeEitherDirection(t *testing.T) {
	g := NewGraph([]domain.DependencyEdge{edge("a", "b", 1)})
	require.True(t, g.HasEdge("a", "b"))
	require.True(t, g.HasEdge("b", "a"))
	require.False(t, g.HasEdge("a", "c"))
}

func TestGraphAdamicAdar(t *testing.T) {
	// a and b share the single neighbour z (degree 2).
	g := NewGraph([]domain.DependencyEdge{edge("a", "z", 1), edge("b", "z", 1)})
	require.InDelta(t, 1/math.Log(2), g.AdamicAdar("a", "b"), 1e-9)
	require.Zero(t, g.AdamicAdar("a", "missing"))
}

func TestGraphScore(t *testing.T) {
	g := NewGraph([]domain.DependencyEdge{edge("fs:read", "s:post", 3)})

	require.Zero(t, g.Score([]string{"s:post"}, nil))
	// Direct edge alone contributes 0.6.
	require.InDelta(t, 0.6, g.Score([]string{"s:post"}, []string{"fs:read"}), 1e-9)
	require.Zero(t, g.Score([]string{"unrelated"}, []string{"fs:read"}))
}

func TestGraphCommunities(t *testing.T) {
	g := NewGraph([]domain.DependencyEdge{
		edge("a", "b", 1), edge("b", "c", 1), edge("c", "a", 1),
		edge("x", "y", 1),
	})
	labels := g.Communities()
	require.Equal(t, labels["a"], labels["b"])
	require.Equal(t, labels["b"], labels["c"])
	require.Equal(t, labels["x"], labels["y"])
	require.NotEqual(t, labels["a"], labels["x"])

	require.True(t, g.SameCommunity([]string{"a"}, []string{"c"}))
	require.False(t, g.SameCommunity([]string{"a"}, []string{"x"}))
	require.False(t, g.SameCommunity([]string{"a"}, []string{"unknown"}))
}

func TestGraphPageRank(t *testing.T) {
	g := NewGraph([]domain.DependencyEdge{
		edge("a", "b", 1), edge("b", "c", 1), edge("c", "a", 1),
	})
	rank := g.PageRank(0.85, 30)

	var sum float64
	for _, r := range rank {
		sum += r
	}
	require.InDelta(t, 1.0, sum, 1e-6)
	// A symmetric cycle ranks evenly.
	require.InDelta(t, rank["a"], rank["b"], 1e-6)
}

func TestGraphCoOccurrence(t *testing.T) {
	g := NewGraph([]domain.DependencyEdge{edge("a", "b", 1)})
	require.InDelta(t, 0.5, g.CoOccurrence("a", "b"), 1e-9)
	require.Zero(t, g.CoOccurrence("b", "a"))
}
