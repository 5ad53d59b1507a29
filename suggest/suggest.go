// Package suggest builds DAGs from intents: a matched capability
// becomes a single-task DAG, otherwise tools are composed directly
// from semantic search and graph-based next-step prediction.
package suggest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/matcher"
	"github.com/casys-ai/pml-gateway/store"
)

// maxComposedPath caps direct tool composition length.
const maxComposedPath = 4

// ScoredTool is one hit from the external tool catalog's semantic
// search.
type ScoredTool struct {
	Name  string
	Score float64
}

// ToolCatalog is the external tool index. Implementations search the
// downstream MCP servers' tool descriptions.
type ToolCatalog interface {
	SearchTools(ctx context.Context, intent string, k int) ([]ScoredTool, error)
}

// Suggestion is the suggester's output. Confidence zero with no DAG is
// a valid outcome; confidence above zero always carries a DAG.
type Suggestion struct {
	DAG        *domain.DAG
	Confidence float64
	Capability *domain.Capability
}

// Suggester builds DAG suggestions for intents that arrived without
// code.
type Suggester struct {
	matcher *matcher.Matcher
	graph   store.GraphStore
	tools   ToolCatalog
	logger  *slog.Logger
}

// New wires a suggester. tools may be nil when no catalog is
// available; composition then degrades to a zero-confidence result.
func New(m *matcher.Matcher, graph store.GraphStore, tools ToolCatalog, logger *slog.Logger) *Suggester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suggester{matcher: m, graph: graph, tools: tools, logger: logger}
}

// Suggest produces a DAG for the intent, preferring a matched
// capability over direct tool composition.
func (s *Suggester) Suggest(ctx context.Context, intent string, contextTools []string, parameters map[string]any) (*Suggestion, error) {
	match, err := s.matcher.Match(ctx, intent, contextTools, domain.ModePassiveSuggestion)
	if err != nil {
		return nil, fmt.Errorf("match capabilities: %w", err)
	}
	var out *Suggestion
	if match != nil {
		out = s.capabilitySuggestion(match, parameters)
	} else {
		out, err = s.composeTools(ctx, intent, contextTools)
		if err != nil {
			return nil, err
		}
	}
	if out.Confidence > 0 && out.DAG == nil {
		return nil, fmt.Errorf("suggestion with confidence %.2f lost its dag", out.Confidence)
	}
	return out, nil
}

// capabilitySuggestion wraps a matched capability in a single-task
// DAG, binding supplied parameters as literals and leaving the rest as
// named parameters for the caller.
func (s *Suggester) capabilitySuggestion(match *matcher.Match, parameters map[string]any) *Suggestion {
	args := map[string]domain.ArgumentValue{}
	for _, name := range schemaRequired(match.Capability.ParametersSchema) {
		if v, ok := parameters[name]; ok {
			args[name] = domain.Literal(v)
		} else {
			args[name] = domain.Parameter(name)
		}
	}
	if len(args) == 0 {
		args = nil
	}
	dag := &domain.DAG{Tasks: []domain.Task{{
		ID:            "n1",
		Type:          domain.TaskCapability,
		CapabilityID:  match.Capability.FQDN.String(),
		Arguments:     args,
		PermissionSet: match.Capability.PermissionSet,
	}}}
	cap := match.Capability
	return &Suggestion{DAG: dag, Confidence: match.Score, Capability: &cap}
}

// composeTools builds a sequential DAG from the best-scoring tool and
// the graph's next-step prediction.
func (s *Suggester) composeTools(ctx context.Context, intent string, contextTools []string) (*Suggestion, error) {
	if s.tools == nil {
		return &Suggestion{Confidence: 0}, nil
	}
	hits, err := s.tools.SearchTools(ctx, intent, 10)
	if err != nil {
		return nil, fmt.Errorf("search tools: %w", err)
	}
	if len(hits) == 0 {
		return &Suggestion{Confidence: 0}, nil
	}

	edges, err := s.graph.Edges(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dependency graph: %w", err)
	}
	g := matcher.NewGraph(edges)
	rank := g.PageRank(0.85, 20)
	var maxRank float64
	for _, r := range rank {
		if r > maxRank {
			maxRank = r
		}
	}

	lastContext := ""
	if len(contextTools) > 0 {
		lastContext = contextTools[len(contextTools)-1]
	}

	var bestTool string
	var bestScore float64
	for _, hit := range hits {
		score := 0.5 * hit.Score
		if maxRank > 0 {
			score += 0.3 * rank[hit.Name] / maxRank
		}
		if lastContext != "" {
			score += 0.2 * g.CoOccurrence(lastContext, hit.Name)
		}
		if g.SameCommunity([]string{hit.Name}, contextTools) {
			score += 0.05
		}
		if score > bestScore {
			bestTool, bestScore = hit.Name, score
		}
	}
	if bestScore > 1 {
		bestScore = 1
	}
	if bestTool == "" {
		return &Suggestion{Confidence: 0}, nil
	}

	path := s.walkSuccessors(g, bestTool)
	dag := &domain.DAG{Tasks: make([]domain.Task, 0, len(path))}
	for i, tool := range path {
		task := domain.Task{
			ID:   fmt.Sprintf("n%d", i+1),
			Tool: tool,
			Type: domain.TaskToolCall,
		}
		if i > 0 {
			task.DependsOn = []string{fmt.Sprintf("n%d", i)}
		}
		dag.Tasks = append(dag.Tasks, task)
	}
	s.logger.Debug("composed tool path",
		slog.Any("path", path),
		slog.Float64("confidence", bestScore))
	return &Suggestion{DAG: dag, Confidence: bestScore}, nil
}

// walkSuccessors extends the path along the heaviest observed
// successor edges, stopping at repeats or the length cap.
func (s *Suggester) walkSuccessors(g *matcher.Graph, start string) []string {
	path := []string{start}
	seen := map[string]bool{start: true}
	cur := start
	for len(path) < maxComposedPath {
		var next string
		var bestWeight int64
		for to, w := range g.Successors(cur) {
			if seen[to] {
				continue
			}
			if w > bestWeight || (w == bestWeight && (next == "" || to < next)) {
				next, bestWeight = to, w
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		seen[next] = true
		cur = next
	}
	return path
}

// schemaRequired extracts the required parameter names from a
// JSON-schema-like object, tolerating both string-slice and decoded
// JSON forms.
func schemaRequired(schema map[string]any) []string {
	if schema == nil {
		return nil
	}
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
