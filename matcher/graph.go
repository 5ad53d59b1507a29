// Package matcher scores stored capabilities against incoming intents
// with a hybrid semantic-plus-graph signal mix and adaptive thresholds.
package matcher

import (
	"math"
	"sort"

	"github.com/casys-ai/pml-gateway/domain"
)

// Graph is an in-memory snapshot of the dependency graph, rebuilt per
// match from the store's edge set. All signal computations read it.
type Graph struct {
	adj   map[string]map[string]int64
	nodes []string
	edges int
}

// NewGraph indexes the edge set. The graph is treated as undirected
// for neighbourhood signals; direct-edge checks keep direction.
func NewGraph(edges []domain.DependencyEdge) *Graph {
	g := &Graph{adj: map[string]map[string]int64{}}
	seen := map[string]bool{}
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			g.nodes = append(g.nodes, n)
		}
	}
	for _, e := range edges {
		add(e.From)
		add(e.To)
		if g.adj[e.From] == nil {
			g.adj[e.From] = map[string]int64{}
		}
		g.adj[e.From][e.To] += e.ObservedCount
		g.edges++
	}
	sort.Strings(g.nodes)
	return g
}

// Density is |E| / (|V|·(|V|−1)), zero for graphs with fewer than two
// nodes.
func (g *Graph) Density() float64 {
	n := len(g.nodes)
	if n < 2 {
		return 0
	}
	return float64(g.edges) / float64(n*(n-1))
}

// EdgeCount returns the number of directed edges.
func (g *Graph) EdgeCount() int {
	return g.edges
}

// HasEdge reports a direct edge in either direction.
func (g *Graph) HasEdge(a, b string) bool {
	if _, ok := g.adj[a][b]; ok {
		return true
	}
	_, ok := g.adj[b][a]
	return ok
}

// neighbours returns the undirected neighbour set of n.
func (g *Graph) neighbours(n string) map[string]bool {
	out := map[string]bool{}
	for to := range g.adj[n] {
		out[to] = true
	}
	for from, tos := range g.adj {
		if _, ok := tos[n]; ok {
			out[from] = true
		}
	}
	return out
}

// AdamicAdar sums 1/log(deg(z)) over common neighbours z of a and b.
func (g *Graph) AdamicAdar(a, b string) float64 {
	na, nb := g.neighbours(a), g.neighbours(b)
	var sum float64
	for z := range na {
		if !nb[z] {
			continue
		}
		deg := len(g.neighbours(z))
		if deg > 1 {
			sum += 1 / math.Log(float64(deg))
		}
	}
	return sum
}

// Score combines the direct-edge and Adamic-Adar signals between a
// capability's tools and the caller's context tools, in [0,1]. The
// best tool pair wins; an empty context scores zero.
func (g *Graph) Score(capTools, contextTools []string) float64 {
	var best float64
	for _, ct := range contextTools {
		for _, t := range capTools {
			var direct float64
			if g.HasEdge(ct, t) {
				direct = 1
			}
			aa := g.AdamicAdar(ct, t)
			score := 0.6*direct + 0.4*(aa/(1+aa))
			if score > best {
				best = score
			}
		}
	}
	return best
}

// Communities assigns a community label to every node by synchronous
// label propagation. Deterministic: nodes iterate in sorted order and
// label ties break on the smaller label.
func (g *Graph) Communities() map[string]int {
	labels := make(map[string]int, len(g.nodes))
	for i, n := range g.nodes {
		labels[n] = i
	}
	for iter := 0; iter < 10; iter++ {
		changed := false
		for _, n := range g.nodes {
			counts := map[int]int{}
			for nb := range g.neighbours(n) {
				counts[labels[nb]]++
			}
			if len(counts) == 0 {
				continue
			}
			best, bestCount := labels[n], 0
			for label, count := range counts {
				if count > bestCount || (count == bestCount && label < best) {
					best, bestCount = label, count
				}
			}
			if best != labels[n] {
				labels[n] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return labels
}

// SameCommunity reports whether any capability tool shares a community
// with any context tool. Unknown nodes never match.
func (g *Graph) SameCommunity(capTools, contextTools []string) bool {
	if len(capTools) == 0 || len(contextTools) == 0 {
		return false
	}
	labels := g.Communities()
	for _, ct := range contextTools {
		cl, ok := labels[ct]
		if !ok {
			continue
		}
		for _, t := range capTools {
			if tl, ok := labels[t]; ok && tl == cl {
				return true
			}
		}
	}
	return false
}

// PageRank runs the standard power iteration with the given damping,
// used by the suggester's next-step prediction.
func (g *Graph) PageRank(damping float64, iterations int) map[string]float64 {
	n := len(g.nodes)
	if n == 0 {
		return nil
	}
	rank := make(map[string]float64, n)
	for _, node := range g.nodes {
		rank[node] = 1 / float64(n)
	}
	for i := 0; i < iterations; i++ {
		next := make(map[string]float64, n)
		base := (1 - damping) / float64(n)
		for _, node := range g.nodes {
			next[node] = base
		}
		for from, tos := range g.adj {
			if len(tos) == 0 {
				continue
			}
			share := damping * rank[from] / float64(len(tos))
			for to := range tos {
				next[to] += share
			}
		}
		rank = next
	}
	return rank
}

// CoOccurrence is the observed-count weight of the directed edge a→b,
// normalised into [0,1).
func (g *Graph) CoOccurrence(a, b string) float64 {
	w := float64(g.adj[a][b])
	return w / (1 + w)
}

// Successors lists direct successors of n with their edge weights.
func (g *Graph) Successors(n string) map[string]int64 {
	return g.adj[n]
}
