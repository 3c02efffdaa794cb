package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/model"
)

// maxChunkedIDs bounds a single get_embeddings_for_ids round trip, grounded
// on spec §4.1's "must chunk id lists to respect backend parameter limits".
const maxChunkedIDs = 500

// EmbeddingStore is the Embedding slice of Storage (spec §3, §4.1).
type EmbeddingStore interface {
	StoreEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error
	GetEmbedding(ctx context.Context, id uuid.UUID) (*model.Embedding, error)
	GetEmbeddingsForIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Embedding, error)
}

// StoreEmbedding atomically replaces the embedding for id (delete-then-insert
// in one transaction, spec §3) after validating finiteness and non-zero norm.
func (s *Store) StoreEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error {
	if err := model.ValidateEmbeddingVector(vec); err != nil {
		return errs.NewValidationError("embedding", err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: store embedding: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM observation_embeddings WHERE observation_id = $1`, id); err != nil {
		return fmt.Errorf("store: store embedding: delete: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO observation_embeddings (observation_id, vector, updated_at)
		VALUES ($1, $2, now())`, id, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("store: store embedding: insert: %w", err)
	}

	return tx.Commit(ctx)
}

// GetEmbedding fetches one observation's embedding.
func (s *Store) GetEmbedding(ctx context.Context, id uuid.UUID) (*model.Embedding, error) {
	var e model.Embedding
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx, `
		SELECT observation_id, vector, updated_at FROM observation_embeddings WHERE observation_id = $1`, id,
	).Scan(&e.ObservationID, &vec, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get embedding: %w", err)
	}
	copy(e.Vector[:], vec.Slice())
	return &e, nil
}

// GetEmbeddingsForIDs batches a multi-id lookup, chunking at maxChunkedIDs
// per round trip so a single query never exceeds the backend's parameter
// limit (spec §4.1).
func (s *Store) GetEmbeddingsForIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Embedding, error) {
	out := make(map[uuid.UUID]*model.Embedding, len(ids))

	for start := 0; start < len(ids); start += maxChunkedIDs {
		end := start + maxChunkedIDs
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		rows, err := s.pool.Query(ctx, `
			SELECT observation_id, vector, updated_at FROM observation_embeddings
			WHERE observation_id = ANY($1)`, chunk)
		if err != nil {
			return nil, fmt.Errorf("store: get embeddings for ids: %w", err)
		}

		for rows.Next() {
			var e model.Embedding
			var vec pgvector.Vector
			if err := rows.Scan(&e.ObservationID, &vec, &e.UpdatedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: get embeddings for ids: scan: %w", err)
			}
			copy(e.Vector[:], vec.Slice())
			out[e.ObservationID] = &e
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return out, nil
}
