package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opencode-mem/memoryd/internal/database"
	"github.com/opencode-mem/memoryd/internal/embedding"
	"github.com/opencode-mem/memoryd/internal/model"
	"github.com/opencode-mem/memoryd/internal/store"
)

func newTestSearch(t *testing.T) (*Search, store.Storage) {
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

	client, err := database.NewClient(ctx, database.Config{DSN: dsn, MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	st := store.New(client.Pool)

	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vec := make([]float32, model.EmbeddingDimension)
		vec[0] = 1.0
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vec, "index": 0}},
		})
	}))
	t.Cleanup(embedSrv.Close)

	embedder := embedding.New(embedSrv.URL, "key", "model", false)
	return New(client.Pool, embedder), st
}

func TestIsTokenizable(t *testing.T) {
	require.True(t, isTokenizable("hello world"))
	require.False(t, isTokenizable("!!! ??? ---"))
	require.False(t, isTokenizable(""))
}

func TestClamp(t *testing.T) {
	require.Equal(t, 20, clamp(0, hardLimit))
	require.Equal(t, hardLimit, clamp(5000, hardLimit))
	require.Equal(t, 50, clamp(50, hardLimit))
}

func TestHybridSearch_EmptyQueryFallsBackToRecency(t *testing.T) {
	srch, st := newTestSearch(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, [16]byte{1}, "", "/tmp/project")
	require.NoError(t, err)

	o := &model.Observation{
		Title: "recency fallback candidate", ObservationType: model.ObservationCode,
		NoiseLevel: model.NoiseMedium, SessionID: sess.SessionID,
	}
	stored, err := st.SaveObservation(ctx, o)
	require.NoError(t, err)
	require.True(t, stored)

	results, err := srch.HybridSearch(ctx, st, "!!!", Scope{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, 0.0, results[0].Score)
}

func TestHybridSearch_LexicalMatchScoresAboveZero(t *testing.T) {
	srch, st := newTestSearch(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, [16]byte{2}, "", "/tmp/project")
	require.NoError(t, err)

	o := &model.Observation{
		Title: "fixed deadlock in worker pool", Narrative: "investigated a deadlock",
		ObservationType: model.ObservationCode, NoiseLevel: model.NoiseMedium, SessionID: sess.SessionID,
	}
	stored, err := st.SaveObservation(ctx, o)
	require.NoError(t, err)
	require.True(t, stored)

	results, err := srch.HybridSearch(ctx, st, "deadlock worker", Scope{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Greater(t, results[0].FTSScore, 0.0)
}

func TestNearestObservation_FindsClosestAndExcludesSelf(t *testing.T) {
	srch, st := newTestSearch(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, [16]byte{4}, "", "/tmp/project")
	require.NoError(t, err)

	a := &model.Observation{Title: "observation a", ObservationType: model.ObservationCode, NoiseLevel: model.NoiseMedium, SessionID: sess.SessionID}
	_, err = st.SaveObservation(ctx, a)
	require.NoError(t, err)

	vec := make([]float32, model.EmbeddingDimension)
	vec[0] = 1.0
	require.NoError(t, st.StoreEmbedding(ctx, a.ID, vec))

	_, _, ok, err := srch.NearestObservation(ctx, st, vec, a.ID)
	require.NoError(t, err)
	require.False(t, ok, "only embedding belongs to the excluded id")

	b := &model.Observation{Title: "observation b", ObservationType: model.ObservationCode, NoiseLevel: model.NoiseMedium, SessionID: sess.SessionID}
	_, err = st.SaveObservation(ctx, b)
	require.NoError(t, err)
	require.NoError(t, st.StoreEmbedding(ctx, b.ID, vec))

	nearest, sim, ok, err := srch.NearestObservation(ctx, st, vec, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.ID, nearest.ID)
	require.InDelta(t, 1.0, sim, 0.01)
}

func TestCandidatesForCompression_UnionsLexicalAndRecentSession(t *testing.T) {
	srch, st := newTestSearch(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, [16]byte{3}, "", "/tmp/project")
	require.NoError(t, err)

	first := &model.Observation{
		Title: "initial session note", ObservationType: model.ObservationCode,
		NoiseLevel: model.NoiseMedium, SessionID: sess.SessionID,
	}
	_, err = st.SaveObservation(ctx, first)
	require.NoError(t, err)

	candidates, err := srch.CandidatesForCompression(ctx, st, "initial session note", sess.SessionID)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
}
