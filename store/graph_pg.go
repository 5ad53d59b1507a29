package store

import (
	"context"
	"fmt"

	"github.com/casys-ai/pml-gateway/domain"
)

// ObserveEdge upserts an observed dependency edge and bumps its count.
// The confidence score saturates toward 1 with repeated observation.
func (p *Postgres) ObserveEdge(ctx context.Context, from, to string, edgeType domain.EdgeType) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO capability_dependency (from_id, to_id, edge_type, edge_source,
			observed_count, confidence_score)
		VALUES ($1, $2, $3, 'observed', 1, 0.1)
		ON CONFLICT (from_id, to_id, edge_type) DO UPDATE SET
			observed_count = capability_dependency.observed_count + 1,
			confidence_score = LEAST(1.0, capability_dependency.confidence_score + 0.1)`,
		from, to, string(edgeType))
	if err != nil {
		return fmt.Errorf("observe edge %s -> %s: %w", from, to, err)
	}
	return nil
}

func (p *Postgres) Edges(ctx context.Context) ([]domain.DependencyEdge, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT from_id, to_id, observed_count, confidence_score, edge_type, edge_source
		FROM capability_dependency`)
	if err != nil {
		return nil, fmt.Errorf("load dependency edges: %w", err)
	}
	defer rows.Close()

	var out []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		if err := rows.Scan(&e.From, &e.To, &e.ObservedCount, &e.ConfidenceScore,
			&e.EdgeType, &e.EdgeSource); err != nil {
			return nil, fmt.Errorf("scan dependency edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) EdgeCount(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM capability_dependency`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dependency edges: %w", err)
	}
	return n, nil
}
