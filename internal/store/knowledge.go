package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/model"
)

// KnowledgeStore is the Knowledge slice of Storage (spec §3, SPEC_FULL §7
// "Knowledge upsert-with-provenance").
type KnowledgeStore interface {
	SaveKnowledge(ctx context.Context, title string, kind model.KnowledgeKind, body string, observationID uuid.UUID) (*model.Knowledge, error)
}

// SaveKnowledge upserts a Knowledge row keyed on lower(title) (spec §4.1's
// idx_knowledge_title_unique). On collision it retries as a provenance-
// appending merge rather than erroring — this is the "retries-then-merges"
// contract spec §4.1 names without spelling out a signature for.
func (s *Store) SaveKnowledge(ctx context.Context, title string, kind model.KnowledgeKind, body string, observationID uuid.UUID) (*model.Knowledge, error) {
	if title == "" {
		return nil, errs.NewValidationError("title", "must not be empty")
	}

	id := uuid.New()
	const insertQ = `
		INSERT INTO global_knowledge (id, title, kind, body, provenance, usage_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, now(), now())
		RETURNING id, title, kind, body, provenance, usage_count, created_at, updated_at`

	row := s.pool.QueryRow(ctx, insertQ, id, title, string(kind), body, []uuid.UUID{observationID})
	k, err := scanKnowledge(row)
	if err == nil {
		return k, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil, fmt.Errorf("store: save knowledge: insert: %w", err)
	}

	// Collision: merge provenance and bump usage_count on the existing row.
	const mergeQ = `
		UPDATE global_knowledge SET
			body = $2,
			provenance = (SELECT array_agg(DISTINCT e) FROM unnest(provenance || $3::uuid[]) AS e),
			usage_count = usage_count + 1,
			updated_at = now()
		WHERE lower(title) = lower($1)
		RETURNING id, title, kind, body, provenance, usage_count, created_at, updated_at`
	row = s.pool.QueryRow(ctx, mergeQ, title, body, []uuid.UUID{observationID})
	k, err = scanKnowledge(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("store: save knowledge: merge: %w", err)
	}
	return k, nil
}

func scanKnowledge(row rowScanner) (*model.Knowledge, error) {
	var k model.Knowledge
	var kind string
	if err := row.Scan(&k.ID, &k.Title, &kind, &k.Body, &k.Provenance, &k.UsageCount, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	k.Kind = model.KnowledgeKind(kind)
	return &k, nil
}
