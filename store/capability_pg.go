package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/casys-ai/pml-gateway/domain"
)

const uniqueViolation = "23505"

const capabilityColumns = `id, namespace, action, code_snippet, code_hash,
	parameters_schema, intent_embedding::text, success_rate, usage_count,
	avg_duration_ms, last_used_at, visibility, created_by, created_at,
	permission_set, permission_confidence, community_id, tools`

// Save deduplicates by code hash. The unique partial index on
// code_hash is the concurrency control: a racing insert loses with a
// unique violation and retries the dedup path.
func (p *Postgres) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	prep, err := prepareCapability(ctx, p.builder, req.Code)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := p.FindByHash(ctx, prep.hash)
		if err == nil {
			// Same structure hash means the same capability; the
			// stored snippet text may be formatted differently.
			if err := p.touchUsage(ctx, existing.ID); err != nil {
				return nil, err
			}
			refreshed, err := p.FindByID(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
			return &SaveResult{Capability: refreshed, IsNew: false}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		embedding, err := p.embedder.Embed(ctx, req.Intent)
		if err != nil {
			return nil, fmt.Errorf("embed intent: %w", err)
		}

		cap := newCapability(prep, req, embedding)
		schemaJSON, err := json.Marshal(cap.ParametersSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal parameters schema: %w", err)
		}

		_, err = p.pool.Exec(ctx, `
			INSERT INTO capability (id, namespace, action, code_snippet, code_hash,
				parameters_schema, intent_embedding, success_rate, usage_count,
				avg_duration_ms, visibility, created_by, created_at, permission_set,
				permission_confidence, tools, last_used_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7::vector,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			cap.ID, cap.FQDN.Namespace, cap.FQDN.Action, cap.CodeSnippet, cap.CodeHash,
			schemaJSON, encodeVector(cap.IntentEmbedding), cap.Stats.SuccessRate,
			cap.Stats.UsageCount, cap.Stats.AvgDurationMs, string(cap.Visibility),
			cap.CreatedBy, cap.CreatedAt, string(cap.PermissionSet),
			cap.PermissionConfidence, cap.Tools, cap.Stats.LastUsedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				// Lost the race; the dedup path picks up the winner.
				continue
			}
			return nil, fmt.Errorf("insert capability: %w", err)
		}
		return &SaveResult{Capability: cap, IsNew: true}, nil
	}
	return nil, fmt.Errorf("save capability %s: retry exhausted", prep.hash)
}

// newCapability builds the initial row for a freshly learned snippet.
// Capabilities are created on first successful execution, so the first
// use is already counted.
func newCapability(prep *preparedCapability, req SaveRequest, embedding []float32) *domain.Capability {
	now := time.Now().UTC()
	visibility := req.Visibility
	if visibility == "" {
		visibility = domain.VisibilityPrivate
	}
	permSet := req.PermissionSet
	if permSet == "" {
		permSet = domain.PermMCPStandard
	}
	return &domain.Capability{
		ID:               uuid.NewString(),
		FQDN:             deriveFQDN(prep.tools, prep.hash),
		CodeSnippet:      prep.snippet,
		CodeHash:         prep.hash,
		ParametersSchema: prep.schema,
		IntentEmbedding:  embedding,
		Stats: domain.CapabilityStats{
			SuccessRate:   1,
			UsageCount:    1,
			LastUsedAt:    &now,
		},
		Visibility:           visibility,
		CreatedBy:            req.UserID,
		CreatedAt:            now,
		PermissionSet:        permSet,
		PermissionConfidence: req.PermissionConfidence,
		Tools:                prep.tools,
	}
}

// touchUsage counts a dedup hit: one more successful use, duration
// unknown so the average is untouched.
func (p *Postgres) touchUsage(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE capability SET
			success_rate = (success_rate * usage_count + 1) / (usage_count + 1),
			usage_count = usage_count + 1,
			last_used_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch capability %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) FindByHash(ctx context.Context, hash string) (*domain.Capability, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+capabilityColumns+` FROM capability WHERE code_hash = $1`, hash)
	return scanCapability(row)
}

func (p *Postgres) FindByID(ctx context.Context, id string) (*domain.Capability, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+capabilityColumns+` FROM capability WHERE id = $1`, id)
	return scanCapability(row)
}

func (p *Postgres) FindByFQDN(ctx context.Context, fqdn domain.FQDN) (*domain.Capability, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+capabilityColumns+` FROM capability WHERE namespace = $1 AND action = $2`,
		fqdn.Namespace, fqdn.Action)
	return scanCapability(row)
}

// SearchByIntent is a pgvector cosine search; <=> is cosine distance,
// so similarity is 1 - distance.
func (p *Postgres) SearchByIntent(ctx context.Context, embedding []float32, k int) ([]ScoredCapability, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+capabilityColumns+`,
			1 - (intent_embedding <=> $1::vector) AS similarity
		FROM capability
		WHERE intent_embedding IS NOT NULL
		ORDER BY intent_embedding <=> $1::vector
		LIMIT $2`, encodeVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("search by intent: %w", err)
	}
	defer rows.Close()

	var out []ScoredCapability
	for rows.Next() {
		cap, similarity, err := scanScoredCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredCapability{Capability: *cap, Similarity: similarity})
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateStats(ctx context.Context, id string, success bool, durationMs int64) error {
	successValue := 0.0
	if success {
		successValue = 1.0
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE capability SET
			success_rate = (success_rate * usage_count + $2) / (usage_count + 1),
			avg_duration_ms = (avg_duration_ms * usage_count + $3) / (usage_count + 1),
			usage_count = usage_count + 1,
			last_used_at = now()
		WHERE id = $1`, id, successValue, float64(durationMs))
	if err != nil {
		return fmt.Errorf("update stats %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListForUser(ctx context.Context, userID string, scope domain.Visibility, limit int) ([]domain.Capability, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+capabilityColumns+`
		FROM capability
		WHERE created_by = $1 OR visibility >= $2 OR visibility = 'public'
		ORDER BY last_used_at DESC NULLS LAST
		LIMIT $3`, userID, string(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()

	var out []domain.Capability
	for rows.Next() {
		cap, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cap)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapability(row rowScanner) (*domain.Capability, error) {
	cap, _, err := scanCapabilityInto(row, false)
	return cap, err
}

func scanScoredCapability(row rowScanner) (*domain.Capability, float64, error) {
	return scanCapabilityInto(row, true)
}

func scanCapabilityInto(row rowScanner, withSimilarity bool) (*domain.Capability, float64, error) {
	var (
		c           domain.Capability
		schemaJSON  []byte
		embedding   *string
		lastUsedAt  *time.Time
		communityID *int32
		similarity  float64
	)
	dest := []any{
		&c.ID, &c.FQDN.Namespace, &c.FQDN.Action, &c.CodeSnippet, &c.CodeHash,
		&schemaJSON, &embedding, &c.Stats.SuccessRate, &c.Stats.UsageCount,
		&c.Stats.AvgDurationMs, &lastUsedAt, &c.Visibility, &c.CreatedBy,
		&c.CreatedAt, &c.PermissionSet, &c.PermissionConfidence, &communityID, &c.Tools,
	}
	if withSimilarity {
		dest = append(dest, &similarity)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("scan capability: %w", err)
	}
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &c.ParametersSchema); err != nil {
			return nil, 0, fmt.Errorf("decode parameters schema: %w", err)
		}
	}
	if embedding != nil {
		v, err := decodeVector(*embedding)
		if err != nil {
			return nil, 0, err
		}
		c.IntentEmbedding = v
	}
	c.Stats.LastUsedAt = lastUsedAt
	if communityID != nil {
		id := int(*communityID)
		c.CommunityID = &id
	}
	return &c, similarity, nil
}
