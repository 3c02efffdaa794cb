package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/model"
)

// SessionStore covers Session/UserPrompt/SessionSummary, the three entities
// spec §3 says Storage owns alongside Observation/Knowledge/PendingMessage/
// Embedding but whose operations §4.1's contract list doesn't enumerate
// individually (the contract focuses on the harder Observation/Queue/
// Embedding paths). Kept as a separate interface so internal/observation can
// depend on just this slice where that's all it needs.
type SessionStore interface {
	GetOrCreateSession(ctx context.Context, sessionID uuid.UUID, contentSessionID, project string) (*model.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) error
	SaveUserPrompt(ctx context.Context, p *model.UserPrompt) error
	SaveSessionSummary(ctx context.Context, s *model.SessionSummary) error
}

// GetOrCreateSession implements the "created on first observation or
// explicit session-init" lifecycle rule (spec §3).
func (s *Store) GetOrCreateSession(ctx context.Context, sessionID uuid.UUID, contentSessionID, project string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, content_session_id, project, status, started_at, ended_at, prompt_count
		FROM sessions WHERE session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: get session: %w", err)
	}

	row = s.pool.QueryRow(ctx, `
		INSERT INTO sessions (session_id, content_session_id, project, status, started_at, prompt_count)
		VALUES ($1, $2, $3, 'active', now(), 0)
		ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING session_id, content_session_id, project, status, started_at, ended_at, prompt_count`,
		sessionID, contentSessionID, project)
	return scanSession(row)
}

// UpdateSessionStatus transitions active -> completed|failed (spec §3
// lifecycle). Setting ended_at happens only on a terminal status.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $2,
			ended_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE ended_at END
		WHERE session_id = $1`, sessionID, string(status))
	if err != nil {
		return fmt.Errorf("store: update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SaveUserPrompt stores a literal user message and bumps the session's
// prompt_count in the same transaction.
func (s *Store) SaveUserPrompt(ctx context.Context, p *model.UserPrompt) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: save user prompt: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_prompts (id, session_id, prompt_number, text, created_at)
		VALUES ($1, $2, $3, $4, now())`, p.ID, p.SessionID, int64(p.PromptNumber), p.Text); err != nil {
		return fmt.Errorf("store: save user prompt: insert: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE sessions SET prompt_count = prompt_count + 1 WHERE session_id = $1`, p.SessionID); err != nil {
		return fmt.Errorf("store: save user prompt: bump count: %w", err)
	}
	return tx.Commit(ctx)
}

// SaveSessionSummary stores the structured end-of-session artifact (spec §3).
func (s *Store) SaveSessionSummary(ctx context.Context, sum *model.SessionSummary) error {
	if sum.ID == uuid.Nil {
		sum.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_summaries (id, session_id, request, investigated, learned, completed, next_steps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		sum.ID, sum.SessionID, sum.Request, sum.Investigated, sum.Learned, sum.Completed, sum.NextSteps)
	if err != nil {
		return fmt.Errorf("store: save session summary: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var status string
	if err := row.Scan(&sess.SessionID, &sess.ContentSessionID, &sess.Project, &status, &sess.StartedAt, &sess.EndedAt, &sess.PromptCount); err != nil {
		return nil, err
	}
	sess.Status = model.SessionStatus(status)
	return &sess, nil
}
