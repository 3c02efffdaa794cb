package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/model"
)

// QueueStore is the pending-message queue slice of Storage (spec §4.6).
type QueueStore interface {
	QueueMessage(ctx context.Context, payload []byte, toolName, sessionID, toolResponse string, createdAtEpoch int64) (uuid.UUID, error)
	LeaseBatch(ctx context.Context, limit int, ttl time.Duration, instanceID string) ([]*model.PendingMessage, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, transient bool, maxRetries int) error
	CleanupStaleLeases(ctx context.Context) (int64, error)
	ListDeadLetter(ctx context.Context, limit int) ([]*model.PendingMessage, error)
}

// ContentHash computes the deterministic SHA-256 named in spec §4.6:
// SHA-256(tool_name || session_id || tool_response || created_at_epoch).
// A UUIDv5 is derived from this hash at downstream use, never from the
// auto-increment row id (which can collide after truncation).
func ContentHash(toolName, sessionID, toolResponse string, createdAtEpoch int64) [32]byte {
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte(sessionID))
	h.Write([]byte(toolResponse))
	fmt.Fprintf(h, "%d", createdAtEpoch)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// QueueMessage writes a new pending row with status=pending,
// visibility_deadline=NULL, retry_count=0 (spec §4.6).
func (s *Store) QueueMessage(ctx context.Context, payload []byte, toolName, sessionID, toolResponse string, createdAtEpoch int64) (uuid.UUID, error) {
	id := uuid.New()
	hash := ContentHash(toolName, sessionID, toolResponse, createdAtEpoch)

	const q = `
		INSERT INTO pending_messages (id, payload, status, retry_count, dead_letter, content_hash, created_at)
		VALUES ($1, $2, 'pending', 0, false, $3, now())`
	_, err := s.pool.Exec(ctx, q, id, payload, hash[:])
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: queue message: %w", err)
	}
	return id, nil
}

// LeaseBatch selects up to limit pending rows and atomically claims them
// with SELECT ... FOR UPDATE SKIP LOCKED so multiple workers never contend
// for the same row (spec §4.1 failure semantics, §4.6 Lease), grounded on
// pkg/queue/worker.go::claimNextSession's ent equivalent.
func (s *Store) LeaseBatch(ctx context.Context, limit int, ttl time.Duration, instanceID string) ([]*model.PendingMessage, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: lease batch: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, payload, status, visibility_deadline, retry_count, dead_letter, content_hash, created_at
		FROM pending_messages
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: lease batch: select: %w", err)
	}

	var ids []uuid.UUID
	var claimed []*model.PendingMessage
	for rows.Next() {
		pm, err := scanPendingMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: lease batch: scan: %w", err)
		}
		ids = append(ids, pm.ID)
		claimed = append(claimed, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: lease batch: rows: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	deadline := time.Now().Add(ttl)
	_, err = tx.Exec(ctx, `
		UPDATE pending_messages
		SET status = 'processing', visibility_deadline = $2, processing_instance_id = $3
		WHERE id = ANY($1)`, ids, deadline, instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: lease batch: claim: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: lease batch: commit: %w", err)
	}

	for _, pm := range claimed {
		pm.Status = model.QueueProcessing
		d := deadline
		pm.VisibilityDeadline = &d
	}
	return claimed, nil
}

// Complete deletes the row — there is deliberately no "processed" status
// that survives (spec §4.6).
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pending_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Fail increments retry_count on transient failure, moving the row to
// dead-letter once retry_count reaches maxRetries. A permanent failure moves it to
// dead-letter immediately (spec §4.6).
func (s *Store) Fail(ctx context.Context, id uuid.UUID, transient bool, maxRetries int) error {
	if !transient {
		_, err := s.pool.Exec(ctx, `
			UPDATE pending_messages SET status = 'failed', dead_letter = true, visibility_deadline = NULL
			WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("store: fail (permanent): %w", err)
		}
		return nil
	}

	const q = `
		UPDATE pending_messages
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END,
			dead_letter = (retry_count + 1 >= $2),
			visibility_deadline = NULL
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, maxRetries)
	if err != nil {
		return fmt.Errorf("store: fail (transient): %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// CleanupStaleLeases resets every processing row whose visibility_deadline
// has passed back to pending (spec §4.6 Reclaim).
func (s *Store) CleanupStaleLeases(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_messages
		SET status = 'pending', visibility_deadline = NULL, processing_instance_id = NULL
		WHERE status = 'processing' AND visibility_deadline < now()`)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup stale leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDeadLetter pages through dead-lettered rows (SPEC_FULL §7 supplemented
// feature: the read path for the inspection contract spec §4.6 names but
// doesn't itself specify).
func (s *Store) ListDeadLetter(ctx context.Context, limit int) ([]*model.PendingMessage, error) {
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, status, visibility_deadline, retry_count, dead_letter, content_hash, created_at
		FROM pending_messages WHERE dead_letter = true ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list dead letter: %w", err)
	}
	defer rows.Close()

	var out []*model.PendingMessage
	for rows.Next() {
		pm, err := scanPendingMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

func scanPendingMessage(row pgx.Rows) (*model.PendingMessage, error) {
	var pm model.PendingMessage
	var status string
	var hash []byte
	if err := row.Scan(&pm.ID, &pm.Payload, &status, &pm.VisibilityDeadline, &pm.RetryCount, &pm.DeadLetter, &hash, &pm.CreatedAt); err != nil {
		return nil, err
	}
	pm.Status = model.QueueStatus(status)
	copy(pm.ContentHash[:], hash)
	return &pm, nil
}
