// Package events fans out completed-observation notifications to whatever
// transport the deployment is configured with: the default Postgres
// LISTEN/NOTIFY publisher, or an optional Kafka topic selected by
// OPENCODE_MEM_EVENTS_BACKEND=kafka (SPEC_FULL §5). Grounded on
// pkg/events/publisher.go's persistAndNotify/notifyOnly split, narrowed to
// the one event this repo actually emits.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opencode-mem/memoryd/internal/model"
)

// ObservationCreatedPayload is the wire shape both backends publish.
type ObservationCreatedPayload struct {
	ObservationID   string    `json:"observation_id"`
	SessionID       string    `json:"session_id"`
	Title           string    `json:"title"`
	ObservationType string    `json:"observation_type"`
	CreatedAt       time.Time `json:"created_at"`
}

func payloadFor(o *model.Observation) ObservationCreatedPayload {
	return ObservationCreatedPayload{
		ObservationID:   o.ID.String(),
		SessionID:       o.SessionID.String(),
		Title:           o.Title,
		ObservationType: string(o.ObservationType),
		CreatedAt:       o.CreatedAt,
	}
}

// sessionChannel is the NOTIFY channel name for a session, grounded on
// pkg/events/payloads.go's SessionChannel helper.
func sessionChannel(sessionID string) string {
	return "memoryd_session_" + sessionID
}

// PostgresPublisher persists each event to the events table and broadcasts
// it via pg_notify in the same transaction — pg_notify is transactional,
// held until COMMIT, so a rolled-back write never fires a notification for
// data that was never durably stored.
type PostgresPublisher struct {
	pool *pgxpool.Pool
}

// NewPostgresPublisher builds a PostgresPublisher over the same pool
// internal/store uses (spec §5: "only one pool is instantiated").
func NewPostgresPublisher(pool *pgxpool.Pool) *PostgresPublisher {
	return &PostgresPublisher{pool: pool}
}

// PublishObservationCreated implements observation.EventPublisher.
func (p *PostgresPublisher) PublishObservationCreated(ctx context.Context, o *model.Observation) error {
	payload, err := json.Marshal(payloadFor(o))
	if err != nil {
		return fmt.Errorf("events: marshal observation.created: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("events: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	channel := sessionChannel(o.SessionID.String())
	var eventID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO events (session_id, channel, payload) VALUES ($1, $2, $3) RETURNING id`,
		o.SessionID, channel, payload,
	).Scan(&eventID); err != nil {
		return fmt.Errorf("events: persist: %w", err)
	}

	notifyPayload := truncateIfNeeded(withEventID(payload, eventID))
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("events: pg_notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("events: commit: %w", err)
	}
	return nil
}

// withEventID injects db_event_id into the marshaled payload for catchup
// tracking by a listener that reconnected after missing notifications.
func withEventID(payload []byte, eventID int64) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return string(payload)
	}
	m["db_event_id"] = eventID
	enriched, err := json.Marshal(m)
	if err != nil {
		return string(payload)
	}
	return string(enriched)
}

// postgresNotifyLimit is PostgreSQL's NOTIFY payload size ceiling (8000
// bytes); truncateIfNeeded stays comfortably under it.
const postgresNotifyLimit = 7900

// truncateIfNeeded drops everything but observation_id, session_id and
// db_event_id, and adds truncated:true, when the payload would exceed
// Postgres's NOTIFY size limit, since the listener can always fetch the full
// row from the events table by db_event_id.
func truncateIfNeeded(payload string) string {
	if len(payload) <= postgresNotifyLimit {
		return payload
	}
	var routing struct {
		ObservationID string `json:"observation_id"`
		SessionID     string `json:"session_id"`
		DBEventID     int64  `json:"db_event_id"`
	}
	if err := json.Unmarshal([]byte(payload), &routing); err != nil {
		return `{"truncated":true}`
	}
	truncated, err := json.Marshal(map[string]any{
		"observation_id": routing.ObservationID,
		"session_id":      routing.SessionID,
		"db_event_id":     routing.DBEventID,
		"truncated":       true,
	})
	if err != nil {
		return `{"truncated":true}`
	}
	return string(truncated)
}
