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

const uniqueViolation = "23505"

// ObservationStore is the Observation-facing slice of Storage (spec §4.1).
type ObservationStore interface {
	SaveObservation(ctx context.Context, o *model.Observation) (stored bool, err error)
	MergeIntoExisting(ctx context.Context, existingID uuid.UUID, incoming *model.Observation) (*model.Observation, error)
	DeleteObservation(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Observation, error)
	GetByTitle(ctx context.Context, title string) (*model.Observation, error)
	GetRecent(ctx context.Context, limit int) ([]*model.Observation, error)
	GetBySession(ctx context.Context, sessionID uuid.UUID) ([]*model.Observation, error)
	SearchByFile(ctx context.Context, path string) ([]*model.Observation, error)
	SearchByConcept(ctx context.Context, concept string) ([]*model.Observation, error)
	SearchByType(ctx context.Context, t model.ObservationType) ([]*model.Observation, error)
}

const observationColumns = `id, title, narrative, facts, keywords, observation_type, noise_level,
	noise_reason, files_read, files_modified, concepts, session_id, prompt_number,
	discovery_tokens, created_at, updated_at`

// SaveObservation inserts o. A title collision is not an error — it is
// reported via stored=false so the caller can retry as a merge (spec §4.1).
func (s *Store) SaveObservation(ctx context.Context, o *model.Observation) (bool, error) {
	if err := model.ValidateObservation(o); err != nil {
		return false, errs.NewValidationError("observation", err.Error())
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}

	const q = `
		INSERT INTO observations (
			id, title, narrative, facts, keywords, observation_type, noise_level,
			noise_reason, files_read, files_modified, concepts, session_id,
			prompt_number, discovery_tokens, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())`

	_, err := s.pool.Exec(ctx, q,
		o.ID, o.Title, o.Narrative, o.Facts, o.Keywords, string(o.ObservationType),
		string(o.NoiseLevel), o.NoiseReason, o.FilesRead, o.FilesModified, o.Concepts,
		o.SessionID, int64(o.PromptNumber), int64(o.DiscoveryTokens),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("store: save observation: %w", err)
	}
	return true, nil
}

// MergeIntoExisting unions the incoming fields into the existing row inside
// a single transaction. It uses an immediate row lock (SELECT ... FOR UPDATE)
// rather than a plain SELECT followed by a later UPDATE, to avoid a
// lock-upgrade deadlock when two merges race for the same row.
func (s *Store) MergeIntoExisting(ctx context.Context, existingID uuid.UUID, incoming *model.Observation) (*model.Observation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: merge: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanObservation(tx.QueryRow(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE id = $1 FOR UPDATE`, existingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("store: merge: load existing: %w", err)
	}

	merged := mergeObservations(existing, incoming)

	const q = `
		UPDATE observations SET
			title = $2, narrative = $3, facts = $4, keywords = $5, noise_level = $6,
			noise_reason = $7, prompt_number = $8, discovery_tokens = $9,
			files_read = $10, files_modified = $11, concepts = $12, updated_at = now()
		WHERE id = $1`
	_, err = tx.Exec(ctx, q,
		merged.ID, merged.Title, merged.Narrative, merged.Facts, merged.Keywords,
		string(merged.NoiseLevel), merged.NoiseReason, int64(merged.PromptNumber),
		int64(merged.DiscoveryTokens), merged.FilesRead, merged.FilesModified, merged.Concepts,
	)
	if err != nil {
		return nil, fmt.Errorf("store: merge: update: %w", err)
	}

	// Re-fetch within the same transaction so the caller never sees a
	// phantom with stale updated_at (spec §4.5 step 5).
	refetched, err := scanObservation(tx.QueryRow(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE id = $1`, existingID))
	if err != nil {
		return nil, fmt.Errorf("store: merge: refetch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: merge: commit: %w", err)
	}
	return refetched, nil
}

// DeleteObservation removes a row and its embedding (cascaded via
// observation_embeddings' FK). Used when a batch dedup sweep folds an
// already-persisted duplicate into another row via MergeIntoExisting and
// must then remove the now-redundant source row.
func (s *Store) DeleteObservation(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM observations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete observation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// mergeObservations implements the union-semantics ADR referenced in spec
// §4.5 step 5 and §8's merge-associativity law: title is kept from existing,
// narrative and facts/keywords/concepts/files are unioned, prompt_number takes
// the max, and discovery_tokens are summed so merging never loses cost
// accounting.
func mergeObservations(existing, incoming *model.Observation) *model.Observation {
	merged := *existing
	if incoming.Narrative != "" && incoming.Narrative != existing.Narrative {
		merged.Narrative = existing.Narrative + "\n\n" + incoming.Narrative
	}
	merged.Facts = unionStrings(existing.Facts, incoming.Facts)
	merged.Keywords = unionStrings(existing.Keywords, incoming.Keywords)
	merged.Concepts = unionStrings(existing.Concepts, incoming.Concepts)
	merged.FilesRead = unionStrings(existing.FilesRead, incoming.FilesRead)
	merged.FilesModified = unionStrings(existing.FilesModified, incoming.FilesModified)
	if incoming.NoiseReason != "" {
		merged.NoiseReason = incoming.NoiseReason
	}
	if incoming.PromptNumber > merged.PromptNumber {
		merged.PromptNumber = incoming.PromptNumber
	}
	merged.DiscoveryTokens = existing.DiscoveryTokens + incoming.DiscoveryTokens
	return &merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// GetByID fetches one observation by id.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*model.Observation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+observationColumns+` FROM observations WHERE id = $1`, id)
	o, err := scanObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get by id: %w", err)
	}
	return o, nil
}

// GetByTitle resolves a save_observation title collision to its existing
// row so the caller can retry as a merge (spec §4.1).
func (s *Store) GetByTitle(ctx context.Context, title string) (*model.Observation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE lower(trim(title)) = lower(trim($1))`, title)
	o, err := scanObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get by title: %w", err)
	}
	return o, nil
}

// GetRecent returns the most recently created observations, bounded by the
// hard limit of 1000 (spec §4.3 edge cases).
func (s *Store) GetRecent(ctx context.Context, limit int) ([]*model.Observation, error) {
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx,
		`SELECT `+observationColumns+` FROM observations ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get recent: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// GetBySession returns every observation tied to sessionID, oldest first.
func (s *Store) GetBySession(ctx context.Context, sessionID uuid.UUID) ([]*model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: get by session: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// SearchByFile matches observations whose files_read or files_modified
// array contains path, via the GIN-indexed array-containment operator —
// never LIKE on a text-cast JSON blob (spec §4.1).
func (s *Store) SearchByFile(ctx context.Context, path string) ([]*model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+observationColumns+` FROM observations
		 WHERE files_read @> ARRAY[$1]::text[] OR files_modified @> ARRAY[$1]::text[]
		 ORDER BY created_at DESC LIMIT 1000`, path)
	if err != nil {
		return nil, fmt.Errorf("store: search by file: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// SearchByConcept matches observations whose concepts array contains concept.
func (s *Store) SearchByConcept(ctx context.Context, concept string) ([]*model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+observationColumns+` FROM observations
		 WHERE concepts @> ARRAY[$1]::text[]
		 ORDER BY created_at DESC LIMIT 1000`, concept)
	if err != nil {
		return nil, fmt.Errorf("store: search by concept: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// SearchByType matches observations of exactly one observation_type.
func (s *Store) SearchByType(ctx context.Context, t model.ObservationType) ([]*model.Observation, error) {
	if !t.Valid() {
		return nil, errs.NewValidationError("observation_type", "unknown enum value")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+observationColumns+` FROM observations
		 WHERE observation_type = $1 ORDER BY created_at DESC LIMIT 1000`, string(t))
	if err != nil {
		return nil, fmt.Errorf("store: search by type: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20 // matches the HTTP surface's default pagination limit (spec §6)
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*model.Observation, error) {
	var o model.Observation
	var obsType, noiseLevel string
	err := row.Scan(
		&o.ID, &o.Title, &o.Narrative, &o.Facts, &o.Keywords, &obsType, &noiseLevel,
		&o.NoiseReason, &o.FilesRead, &o.FilesModified, &o.Concepts, &o.SessionID,
		&o.PromptNumber, &o.DiscoveryTokens, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.ObservationType = model.ObservationType(obsType)
	o.NoiseLevel = model.NoiseLevel(noiseLevel)
	return &o, nil
}

func scanObservations(rows pgx.Rows) ([]*model.Observation, error) {
	var out []*model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
