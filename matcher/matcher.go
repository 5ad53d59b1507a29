package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/store"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pml_matcher_decisions_total",
	Help: "Scoring decisions by outcome.",
}, []string{"decision"})

// Recorder receives the algorithm trace emitted for every scored
// candidate.
type Recorder interface {
	RecordAlgorithm(tr domain.AlgorithmTrace)
}

// Config tunes the matcher.
type Config struct {
	// CandidateK is the semantic search fan-out.
	CandidateK int

	// DefaultThreshold applies when no adaptive row exists.
	DefaultThreshold float64
}

// Match is an accepted candidate with its scoring context.
type Match struct {
	Capability domain.Capability
	Score      float64
	Threshold  float64
	Alpha      float64
	Signals    map[string]float64
}

// Matcher ranks stored capabilities against an intent. The final
// score mixes semantic and graph signals with an adaptive weight and
// a multiplicative reliability factor.
type Matcher struct {
	caps       store.CapabilityStore
	graph      store.GraphStore
	embedder   store.Embedder
	thresholds *Thresholds
	recorder   Recorder
	logger     *slog.Logger
	cfg        Config
}

// New wires a matcher. recorder may be nil when algorithm tracing is
// disabled.
func New(caps store.CapabilityStore, graph store.GraphStore, embedder store.Embedder,
	thresholds *Thresholds, recorder Recorder, cfg Config, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CandidateK <= 0 {
		cfg.CandidateK = 20
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 0.70
	}
	return &Matcher{
		caps:       caps,
		graph:      graph,
		embedder:   embedder,
		thresholds: thresholds,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg,
	}
}

// Match returns the best accepted capability for the intent, or nil
// when nothing clears the threshold. Ties break on usage count, then
// recency.
func (m *Matcher) Match(ctx context.Context, intent string, contextTools []string, mode domain.AlgorithmMode) (*Match, error) {
	q, err := m.embedder.Embed(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("embed intent: %w", err)
	}

	candidates, err := m.caps.SearchByIntent(ctx, q, m.cfg.CandidateK)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	edges, err := m.graph.Edges(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dependency graph: %w", err)
	}
	g := NewGraph(edges)
	density := g.Density()

	// Alpha leans on semantics while the graph is sparse; a cold-start
	// empty graph is pure semantic.
	alpha := 1 - 2*density
	if alpha < 0.5 {
		alpha = 0.5
	}

	contextHash := ContextHash(contextTools)
	threshold := m.thresholds.Suggestion(ctx, contextHash)
	correlationID := uuid.NewString()

	var best *Match
	for _, cand := range candidates {
		c := cand.Capability
		semantic := clamp(cand.Similarity, 0, 1)
		graphScore := g.Score(c.Tools, contextTools)
		reliability := 0.5 + 0.5*c.Stats.SuccessRate
		clusterMatch := g.SameCommunity(c.Tools, contextTools)
		boost := 0.0
		if clusterMatch {
			boost = 0.05
		}

		base := alpha*semantic + (1-alpha)*graphScore
		final := clamp(base*reliability+boost, 0, 1)

		decision := domain.DecisionRejectedByThreshold
		switch {
		case reliability < 0.5:
			decision = domain.DecisionFilteredByReliability
		case final >= threshold:
			decision = domain.DecisionAccepted
		}
		decisionsTotal.WithLabelValues(string(decision)).Inc()

		signals := map[string]float64{
			"semantic_score":         semantic,
			"graph_score":            graphScore,
			"success_rate":           c.Stats.SuccessRate,
			"spectral_cluster_match": boolToFloat(clusterMatch),
			"graph_density":          density,
		}
		if m.recorder != nil {
			m.recorder.RecordAlgorithm(domain.AlgorithmTrace{
				TraceID:       uuid.NewString(),
				CorrelationID: correlationID,
				AlgorithmName: "capability_match",
				Mode:          mode,
				TargetType:    "capability",
				TargetID:      c.ID,
				Intent:        intent,
				ContextHash:   contextHash,
				Signals:       signals,
				Params: domain.AlgorithmParams{
					Alpha:             alpha,
					ReliabilityFactor: reliability,
					StructuralBoost:   boost,
				},
				FinalScore:    final,
				ThresholdUsed: threshold,
				Decision:      decision,
				Timestamp:     time.Now().UTC(),
			})
		}

		if decision != domain.DecisionAccepted {
			continue
		}
		if best == nil || betterMatch(final, &c, best) {
			best = &Match{
				Capability: c,
				Score:      final,
				Threshold:  threshold,
				Alpha:      alpha,
				Signals:    signals,
			}
		}
	}

	if best != nil {
		m.logger.Debug("capability matched",
			slog.String("capability_id", best.Capability.ID),
			slog.Float64("score", best.Score),
			slog.Float64("threshold", best.Threshold))
	}
	return best, nil
}

// betterMatch compares a scored candidate against the current best:
// score, then usage count, then last use.
func betterMatch(score float64, c *domain.Capability, best *Match) bool {
	if score != best.Score {
		return score > best.Score
	}
	if c.Stats.UsageCount != best.Capability.Stats.UsageCount {
		return c.Stats.UsageCount > best.Capability.Stats.UsageCount
	}
	a, b := c.Stats.LastUsedAt, best.Capability.Stats.LastUsedAt
	if a == nil || b == nil {
		return a != nil
	}
	return a.After(*b)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
