package observation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// injectedTracker remembers, per session, the most recently injected
// observation IDs (spec §4.5 "Echo suppression"), bounded to maxPerSession.
// Grounded on pkg/session/manager.go's map+RWMutex in-memory registry; the
// list itself is a bounded ring rather than an unbounded map value.
type injectedTracker struct {
	mu            sync.RWMutex
	bySession     map[uuid.UUID][]uuid.UUID
	lastSeen      map[uuid.UUID]time.Time
	maxPerSession int
}

func newInjectedTracker(maxPerSession int) *injectedTracker {
	if maxPerSession <= 0 {
		maxPerSession = 500
	}
	return &injectedTracker{
		bySession:     make(map[uuid.UUID][]uuid.UUID),
		lastSeen:      make(map[uuid.UUID]time.Time),
		maxPerSession: maxPerSession,
	}
}

// Record appends ids as newly injected into sessionID, trimming the oldest
// entries once the per-session bound is exceeded.
func (t *injectedTracker) Record(sessionID uuid.UUID, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	list := append(t.bySession[sessionID], ids...)
	if len(list) > t.maxPerSession {
		list = list[len(list)-t.maxPerSession:]
	}
	t.bySession[sessionID] = list
	t.lastSeen[sessionID] = time.Now()
}

// Prune drops every session whose tracker entries haven't been touched in
// maxAge, bounding the map by session turnover rather than just by entries
// per session. Returns the number of sessions removed.
func (t *injectedTracker) Prune(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for sessionID, seen := range t.lastSeen {
		if seen.Before(cutoff) {
			delete(t.bySession, sessionID)
			delete(t.lastSeen, sessionID)
			removed++
		}
	}
	return removed
}

// Recent returns a snapshot of the IDs currently tracked for sessionID.
func (t *injectedTracker) Recent(sessionID uuid.UUID) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := t.bySession[sessionID]
	out := make([]uuid.UUID, len(list))
	copy(out, list)
	return out
}
