package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opencode-mem/memoryd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("memoryd_test"),
		postgres.WithUsername("memoryd"),
		postgres.WithPassword("memoryd"),
		postgres.BasicWaitStrategies(),
		wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// internal/database owns migrations; store tests reuse that client so
	// schema setup isn't duplicated here.
	client := mustMigratedClient(t, ctx, dsn)
	return New(client.Pool)
}

func seedSession(t *testing.T, st *Store) uuid.UUID {
	t.Helper()
	sess, err := st.GetOrCreateSession(context.Background(), uuid.New(), "", "/tmp/project")
	require.NoError(t, err)
	return sess.SessionID
}

func TestSaveObservation_DuplicateTitleNotStored(t *testing.T) {
	st := newTestStore(t)
	sessionID := seedSession(t, st)
	ctx := context.Background()

	o1 := &model.Observation{
		Title: "Fix race in queue", Narrative: "first", ObservationType: model.ObservationCode,
		NoiseLevel: model.NoiseMedium, SessionID: sessionID,
	}
	stored, err := st.SaveObservation(ctx, o1)
	require.NoError(t, err)
	require.True(t, stored)

	o2 := &model.Observation{
		Title: "  FIX RACE IN QUEUE  ", Narrative: "second", ObservationType: model.ObservationCode,
		NoiseLevel: model.NoiseMedium, SessionID: sessionID,
	}
	stored, err = st.SaveObservation(ctx, o2)
	require.NoError(t, err)
	require.False(t, stored)

	recent, err := st.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestMergeIntoExisting_UnionsFacts(t *testing.T) {
	st := newTestStore(t)
	sessionID := seedSession(t, st)
	ctx := context.Background()

	o := &model.Observation{
		Title: "Dedup threshold tuning", Facts: []string{"a"}, ObservationType: model.ObservationDecision,
		NoiseLevel: model.NoiseMedium, SessionID: sessionID,
	}
	_, err := st.SaveObservation(ctx, o)
	require.NoError(t, err)

	existing, err := st.GetByID(ctx, o.ID)
	require.NoError(t, err)

	incoming := &model.Observation{Facts: []string{"b"}}
	merged, err := st.MergeIntoExisting(ctx, existing.ID, incoming)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, merged.Facts)
}

func TestLeaseBatch_SkipsLockedRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.QueueMessage(ctx, []byte(`{}`), "tool", "session-1", "resp", time.Now().Unix())
	require.NoError(t, err)

	leased, err := st.LeaseBatch(ctx, 10, time.Minute, "instance-a")
	require.NoError(t, err)
	require.Len(t, leased, 1)

	leasedAgain, err := st.LeaseBatch(ctx, 10, time.Minute, "instance-b")
	require.NoError(t, err)
	require.Empty(t, leasedAgain)
}

func TestFail_MovesToDeadLetterAfterMaxRetries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.QueueMessage(ctx, []byte(`{}`), "tool", "session-1", "resp", time.Now().Unix())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.Fail(ctx, id, true, 3))
	}

	dead, err := st.ListDeadLetter(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, id, dead[0].ID)
}

func TestGetByTitle_ResolvesCaseInsensitiveCollision(t *testing.T) {
	st := newTestStore(t)
	sessionID := seedSession(t, st)
	ctx := context.Background()

	o := &model.Observation{
		Title: "Queue lease uses SKIP LOCKED", ObservationType: model.ObservationPattern,
		NoiseLevel: model.NoiseMedium, SessionID: sessionID,
	}
	_, err := st.SaveObservation(ctx, o)
	require.NoError(t, err)

	found, err := st.GetByTitle(ctx, "  queue lease uses skip locked  ")
	require.NoError(t, err)
	require.Equal(t, o.ID, found.ID)
}

func TestStoreEmbedding_RejectsZeroVector(t *testing.T) {
	st := newTestStore(t)
	sessionID := seedSession(t, st)
	ctx := context.Background()

	o := &model.Observation{Title: "zero vec test", ObservationType: model.ObservationOther, SessionID: sessionID}
	_, err := st.SaveObservation(ctx, o)
	require.NoError(t, err)

	zero := make([]float32, model.EmbeddingDimension)
	err = st.StoreEmbedding(ctx, o.ID, zero)
	require.Error(t, err)
}
