package observation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisInjectedTracker is injectedStore backed by Redis instead of a
// process-local map, so the echo-suppression cache and MAX_INJECTED_IDS
// bound (spec §4.5) are shared across every memoryd replica instead of each
// one tracking its own view of what it injected. Grounded on the same
// bounded-list-per-key shape as injectedTracker, generalized from
// pkg/queue/pool.go's single-process activeSessions map the way SPEC_FULL §5
// describes.
//
// Each session's IDs live in a Redis list at key "memoryd:injected:<id>",
// trimmed to maxPerSession on every push and refreshed with ttl on every
// touch so Prune has nothing to do locally — expiry is Redis's job. Prune
// still exists to satisfy injectedStore; it deletes nothing and returns 0.
type redisInjectedTracker struct {
	client        *redis.Client
	maxPerSession int
	ttl           time.Duration
}

func newRedisInjectedTracker(client *redis.Client, maxPerSession int, ttl time.Duration) *redisInjectedTracker {
	if maxPerSession <= 0 {
		maxPerSession = 500
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisInjectedTracker{client: client, maxPerSession: maxPerSession, ttl: ttl}
}

func (t *redisInjectedTracker) key(sessionID uuid.UUID) string {
	return "memoryd:injected:" + sessionID.String()
}

// Record pushes ids onto sessionID's list, trims it to maxPerSession from
// the left (oldest first), and refreshes the key's TTL.
func (t *redisInjectedTracker) Record(sessionID uuid.UUID, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := t.key(sessionID)
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = id.String()
	}

	pipe := t.client.TxPipeline()
	pipe.RPush(ctx, key, vals...)
	pipe.LTrim(ctx, key, -int64(t.maxPerSession), -1)
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("observation: redis injected-tracker record failed", "error", err, "session_id", sessionID)
	}
}

// Prune is a no-op: entries expire on their own via each key's TTL,
// refreshed on every Record. It still reports 0 rather than erroring so
// Sweeper callers don't need to special-case the Redis backend.
func (t *redisInjectedTracker) Prune(maxAge time.Duration) int {
	return 0
}

// Recent returns the IDs currently tracked for sessionID.
func (t *redisInjectedTracker) Recent(sessionID uuid.UUID) []uuid.UUID {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := t.client.LRange(ctx, t.key(sessionID), 0, -1).Result()
	if err != nil {
		slog.Warn("observation: redis injected-tracker recent failed", "error", err, "session_id", sessionID)
		return nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}
