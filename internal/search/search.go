// Package search implements Search (spec §4.3): hybrid retrieval fusing a
// lexical full-text score with a cosine vector score, plus the candidate
// retrieval path the Observation Service feeds into LLM compression prompts.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/opencode-mem/memoryd/internal/embedding"
	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/model"
	"github.com/opencode-mem/memoryd/internal/store"
)

// hardLimit is the ceiling spec §4.3 names for result sets.
const hardLimit = 1000

// Result is one scored observation from a hybrid search.
type Result struct {
	Observation *model.Observation
	FTSScore    float64 // normalized to [0,1], 0 if absent from the lexical stage
	VectorScore float64 // normalized to [0,1], 0 if absent from the vector stage
	Score       float64 // 0.5*FTSScore + 0.5*VectorScore
}

// Scope narrows a search to a session and/or observation type; zero-valued
// fields are unconstrained. Project-level scoping happens one join away via
// sessions and is left to the caller until a concrete need surfaces.
type Scope struct {
	SessionID uuid.UUID
	Type      model.ObservationType
}

// Search is the hybrid retrieval engine, grounded on
// intelligencedev-manifold's internal/sefii/engine.go::SearchRelevantChunks
// (vector-set ∪ lexical-set fusion) adapted from sefii's file-chunk domain
// to observations, and on tarsy's GIN-indexed tsvector approach for the
// lexical stage instead of sefii's own token-based inverted index table.
type Search struct {
	pool     *pgxpool.Pool
	embedder *embedding.Service
}

// New builds a Search over the same pool Storage uses (spec §5: "only one
// pool is instantiated").
func New(pool *pgxpool.Pool, embedder *embedding.Service) *Search {
	return &Search{pool: pool, embedder: embedder}
}

// HybridSearch implements spec §4.3 steps 1-3. An empty-after-stopword-
// removal query falls back to recency rather than erroring (edge case:
// symbol-only queries).
func (s *Search) HybridSearch(ctx context.Context, st store.Storage, query string, scope Scope, limit int) ([]Result, error) {
	limit = clamp(limit, hardLimit)

	// The recency fallback and the vector stage are not scoped in SQL, so
	// their results are filtered here.
	inScope := func(o *model.Observation) bool {
		return (scope.SessionID == uuid.Nil || o.SessionID == scope.SessionID) &&
			(scope.Type == "" || o.ObservationType == scope.Type)
	}

	ftsScores, err := s.lexicalStage(ctx, query, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("search: lexical stage: %w", err)
	}

	if len(ftsScores) == 0 && !isTokenizable(query) {
		// Empty parsed query: fall back to recency (spec §4.3 edge case).
		recent, err := st.GetRecent(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("search: recency fallback: %w", err)
		}
		out := make([]Result, 0, len(recent))
		for _, o := range recent {
			if inScope(o) {
				out = append(out, Result{Observation: o, Score: 0})
			}
		}
		return out, nil
	}

	vectorScores, err := s.vectorStage(ctx, query, limit)
	if err != nil {
		// Embedding disabled or transient failure: degrade to lexical-only
		// rather than failing the whole search (spec §4.2: embedding-
		// disabled write paths still function; the same tolerance applies
		// to reads).
		if !errs.IsTransient(err) && err != errs.ErrEmbeddingDisabled {
			return nil, fmt.Errorf("search: vector stage: %w", err)
		}
		vectorScores = nil
	}

	fused, err := s.fuse(ctx, st, ftsScores, vectorScores, limit)
	if err != nil {
		return nil, err
	}
	out := fused[:0]
	for _, r := range fused {
		if inScope(r.Observation) {
			out = append(out, r)
		}
	}
	return out, nil
}

type scoredID struct {
	id    uuid.UUID
	score float64
}

// lexicalStage executes the full-text match against the trigger-maintained
// weighted lexical vector and normalizes BM25-equivalent rank to [0,1] by
// dividing by the max rank in the result set (spec §4.3 step 1).
func (s *Search) lexicalStage(ctx context.Context, query string, scope Scope, limit int) ([]scoredID, error) {
	if !isTokenizable(query) {
		return nil, nil
	}

	sqlQuery := `
		SELECT id, ts_rank(lexical_vector, plainto_tsquery('english', $1)) AS rank
		FROM observations
		WHERE lexical_vector @@ plainto_tsquery('english', $1)`
	args := []any{query}
	idx := 2

	if scope.SessionID != uuid.Nil {
		sqlQuery += fmt.Sprintf(" AND session_id = $%d", idx)
		args = append(args, scope.SessionID)
		idx++
	}
	if scope.Type != "" {
		sqlQuery += fmt.Sprintf(" AND observation_type = $%d", idx)
		args = append(args, string(scope.Type))
		idx++
	}
	sqlQuery += fmt.Sprintf(" ORDER BY rank DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scored []scoredID
	var maxRank float64
	for rows.Next() {
		var sid scoredID
		if err := rows.Scan(&sid.id, &sid.score); err != nil {
			return nil, err
		}
		if sid.score > maxRank {
			maxRank = sid.score
		}
		scored = append(scored, sid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if maxRank > 0 {
		for i := range scored {
			scored[i].score /= maxRank
		}
	}
	return scored, nil
}

// vectorStage embeds query and runs a top-K cosine-distance query.
func (s *Search) vectorStage(ctx context.Context, query string, limit int) ([]scoredID, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	qv := pgvector.NewVector(vec)

	rows, err := s.pool.Query(ctx, `
		SELECT observation_id, 1 - (vector <=> $1) AS cosine_sim
		FROM observation_embeddings
		ORDER BY vector <=> $1
		LIMIT $2`, qv, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scored []scoredID
	var maxSim float64
	for rows.Next() {
		var sid scoredID
		if err := rows.Scan(&sid.id, &sid.score); err != nil {
			return nil, err
		}
		if sid.score > maxSim {
			maxSim = sid.score
		}
		scored = append(scored, sid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if maxSim > 0 {
		for i := range scored {
			scored[i].score /= maxSim
		}
	}
	return scored, nil
}

// fuse unions the two candidate id sets and computes the blended score
// (spec §4.3 step 3): missing component defaults to 0.0, never 1.0.
func (s *Search) fuse(ctx context.Context, st store.Storage, fts, vector []scoredID, limit int) ([]Result, error) {
	ftsByID := make(map[uuid.UUID]float64, len(fts))
	for _, f := range fts {
		ftsByID[f.id] = f.score
	}
	vecByID := make(map[uuid.UUID]float64, len(vector))
	for _, v := range vector {
		vecByID[v.id] = v.score
	}

	union := make(map[uuid.UUID]struct{}, len(fts)+len(vector))
	for id := range ftsByID {
		union[id] = struct{}{}
	}
	for id := range vecByID {
		union[id] = struct{}{}
	}

	results := make([]Result, 0, len(union))
	for id := range union {
		o, err := st.GetByID(ctx, id)
		if err != nil {
			continue // observation deleted between candidate collection and fetch
		}
		f := ftsByID[id]
		v := vecByID[id]
		results = append(results, Result{
			Observation: o,
			FTSScore:    f,
			VectorScore: v,
			Score:       0.5*f + 0.5*v,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CandidatesForCompression implements spec §4.5 step 2 / §4.3 step 4: top-5
// by lexical score over rawText, unioned with the 2-3 most recent
// observations from sessionID, feeding the LLM compression prompt.
func (s *Search) CandidatesForCompression(ctx context.Context, st store.Storage, rawText string, sessionID uuid.UUID) ([]*model.Observation, error) {
	lexical, err := s.lexicalStage(ctx, rawText, Scope{}, 5)
	if err != nil {
		return nil, fmt.Errorf("search: candidates: lexical: %w", err)
	}

	seen := make(map[uuid.UUID]struct{})
	var out []*model.Observation
	for _, l := range lexical {
		o, err := st.GetByID(ctx, l.id)
		if err != nil {
			continue
		}
		seen[o.ID] = struct{}{}
		out = append(out, o)
	}

	recent, err := st.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("search: candidates: session recent: %w", err)
	}
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	for _, o := range recent {
		if _, ok := seen[o.ID]; ok {
			continue
		}
		seen[o.ID] = struct{}{}
		out = append(out, o)
	}

	return out, nil
}

// NearestObservation returns the single closest observation to vec by raw
// cosine similarity (no normalization — this feeds a fixed threshold
// comparison, not a blended score), excluding excludeID so a just-persisted
// row never reports itself as its own nearest neighbor. ok is false when no
// embeddings exist yet.
func (s *Search) NearestObservation(ctx context.Context, st store.Storage, vec []float32, excludeID uuid.UUID) (obs *model.Observation, similarity float64, ok bool, err error) {
	qv := pgvector.NewVector(vec)

	row := s.pool.QueryRow(ctx, `
		SELECT observation_id, 1 - (vector <=> $1) AS cosine_sim
		FROM observation_embeddings
		WHERE observation_id != $2
		ORDER BY vector <=> $1
		LIMIT 1`, qv, excludeID)

	var id uuid.UUID
	var sim float64
	if err := row.Scan(&id, &sim); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("search: nearest observation: %w", err)
	}

	o, err := st.GetByID(ctx, id)
	if err != nil {
		return nil, 0, false, fmt.Errorf("search: nearest observation: load: %w", err)
	}
	return o, sim, true, nil
}

func clamp(limit, max int) int {
	if limit <= 0 {
		return 20
	}
	if limit > max {
		return max
	}
	return limit
}

// isTokenizable reports whether query would produce a non-empty tsquery.
// A cheap client-side guard so lexicalStage doesn't execute a query whose
// WHERE clause is guaranteed empty; plainto_tsquery itself never errors on
// symbol-only input, but running it is wasted work (spec §4.3 edge case).
func isTokenizable(query string) bool {
	for _, r := range query {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}
