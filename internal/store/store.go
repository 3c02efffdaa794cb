// Package store implements Storage (spec §4.1): the single backing store for
// observations, sessions, user prompts, summaries, knowledge, and the
// pending-message queue. All writes to the primary database go through this
// package; callers never issue SQL directly.
package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Storage is the capability interface spec §9 asks implementers to keep
// Storage behind, even with a single backend, so tests can substitute a fake.
type Storage interface {
	ObservationStore
	QueueStore
	EmbeddingStore
	KnowledgeStore
	SessionStore
}

// Store is the pgx-backed implementation of Storage, grounded on
// intelligencedev-manifold's database.go/agentic_memory.go (raw pgx, no ORM)
// since ent is not carried forward (see DESIGN.md).
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store over an already-migrated pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ Storage = (*Store)(nil)
