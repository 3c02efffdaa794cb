package observation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opencode-mem/memoryd/internal/config"
	"github.com/opencode-mem/memoryd/internal/database"
	"github.com/opencode-mem/memoryd/internal/embedding"
	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/filter"
	"github.com/opencode-mem/memoryd/internal/llmgateway"
	"github.com/opencode-mem/memoryd/internal/model"
	"github.com/opencode-mem/memoryd/internal/search"
	"github.com/opencode-mem/memoryd/internal/store"
)

// fakeRawEventStore is safe for concurrent use since postActions runs it
// from a detached goroutine rather than on the caller's path.
type fakeRawEventStore struct {
	mu     sync.Mutex
	events []model.RawEvent
}

func (f *fakeRawEventStore) StoreRawEvent(ctx context.Context, evt model.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeRawEventStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func chatBody(t *testing.T, content string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": content}}},
	})
	require.NoError(t, err)
	return string(body)
}

func embedHandler(component float32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vec := make([]float32, model.EmbeddingDimension)
		vec[0] = component
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vec, "index": 0}},
		})
	}
}

type testHarness struct {
	orchestrator *Orchestrator
	store        store.Storage
	rawEvents    *fakeRawEventStore
	llmContent   *string // set per-test to control the canned LLM response
}

func newTestHarness(t *testing.T, embedComponent float32) *testHarness {
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

	var llmContent string
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatBody(t, llmContent)))
	}))
	t.Cleanup(llmSrv.Close)
	llm := llmgateway.New(llmSrv.URL, "key", "model", 5*time.Second, 1)

	embedSrv := httptest.NewServer(embedHandler(embedComponent))
	t.Cleanup(embedSrv.Close)
	embedder := embedding.New(embedSrv.URL, "key", "model", false)

	srch := search.New(client.Pool, embedder)
	flt := filter.New(config.FilterConfig{})
	rawEvents := &fakeRawEventStore{}

	orch := New(st, srch, llm, embedder, flt, nil, rawEvents, config.DefaultDedupConfig())

	return &testHarness{orchestrator: orch, store: st, rawEvents: rawEvents, llmContent: &llmContent}
}

func TestProcessInteraction_CreatesNewObservation(t *testing.T) {
	h := newTestHarness(t, 1.0)
	ctx := context.Background()

	sess, err := h.store.GetOrCreateSession(ctx, uuid.New(), "", "/tmp/project")
	require.NoError(t, err)

	*h.llmContent = `{"action":"CREATE","observation":{"title":"fixed a deadlock","narrative":"found and resolved","observation_type":"code","noise_level":"medium"}}`

	obs, err := h.orchestrator.ProcessInteraction(ctx, ToolInteraction{
		ToolName: "bash", SessionID: sess.SessionID, Project: "/tmp/project",
		ToolResponse: "ran the test suite and fixed a deadlock in the worker pool",
	})
	require.NoError(t, err)
	require.NotNil(t, obs)
	assert.Equal(t, "fixed a deadlock", obs.Title)
	require.Eventually(t, func() bool { return h.rawEvents.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestProcessInteraction_SkipReturnsNilObservation(t *testing.T) {
	h := newTestHarness(t, 1.0)
	ctx := context.Background()

	sess, err := h.store.GetOrCreateSession(ctx, uuid.New(), "", "/tmp/project")
	require.NoError(t, err)

	*h.llmContent = `{"action":"SKIP"}`

	obs, err := h.orchestrator.ProcessInteraction(ctx, ToolInteraction{
		ToolName: "bash", SessionID: sess.SessionID, Project: "/tmp/project",
		ToolResponse: "checked the status of a running process",
	})
	require.NoError(t, err)
	assert.Nil(t, obs)
}

func TestProcessInteraction_DropsLowValueContentButStillRecordsRawEvent(t *testing.T) {
	h := newTestHarness(t, 1.0)
	ctx := context.Background()

	sess, err := h.store.GetOrCreateSession(ctx, uuid.New(), "", "/tmp/project")
	require.NoError(t, err)

	_, err = h.orchestrator.ProcessInteraction(ctx, ToolInteraction{
		ToolName: "bash", SessionID: sess.SessionID, Project: "/tmp/project",
		ToolResponse: "ls -la",
	})
	require.ErrorIs(t, err, errs.ErrFilteredOut)
	require.Eventually(t, func() bool { return h.rawEvents.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestProcessInteraction_DropsWhenOnlyInjectedMemoryBlock(t *testing.T) {
	h := newTestHarness(t, 1.0)
	ctx := context.Background()

	sess, err := h.store.GetOrCreateSession(ctx, uuid.New(), "", "/tmp/project")
	require.NoError(t, err)

	_, err = h.orchestrator.ProcessInteraction(ctx, ToolInteraction{
		ToolName: "bash", SessionID: sess.SessionID, Project: "/tmp/project",
		ToolResponse: "<opencode-mem-context>previously injected</opencode-mem-context>",
	})
	require.ErrorIs(t, err, errs.ErrFilteredOut)
}

func TestSaveMemory_PersistsDirectly(t *testing.T) {
	h := newTestHarness(t, 1.0)
	ctx := context.Background()
	sessionID := uuid.New()
	_, err := h.store.GetOrCreateSession(ctx, sessionID, "", "/tmp/project")
	require.NoError(t, err)

	obs, err := h.orchestrator.SaveMemory(ctx, "project uses pnpm workspaces", "pnpm-workspace.yaml declares the package globs", sessionID)
	require.NoError(t, err)
	require.NotNil(t, obs)

	fetched, err := h.store.GetByID(ctx, obs.ID)
	require.NoError(t, err)
	assert.Equal(t, "project uses pnpm workspaces", fetched.Title)
}

func TestRecordInjected_CausesEchoSuppression(t *testing.T) {
	h := newTestHarness(t, 1.0)
	ctx := context.Background()
	sessionID := uuid.New()
	_, err := h.store.GetOrCreateSession(ctx, sessionID, "", "/tmp/project")
	require.NoError(t, err)

	// Seed an "injected" observation with a known embedding.
	injected := &model.Observation{Title: "injected context observation", ObservationType: model.ObservationReference, NoiseLevel: model.NoiseMedium, SessionID: sessionID}
	_, err = h.store.SaveObservation(ctx, injected)
	require.NoError(t, err)
	vec := make([]float32, model.EmbeddingDimension)
	vec[0] = 1.0
	require.NoError(t, h.store.StoreEmbedding(ctx, injected.ID, vec))

	h.orchestrator.RecordInjected(sessionID, []uuid.UUID{injected.ID})

	*h.llmContent = `{"action":"CREATE","observation":{"title":"near duplicate of injected content","narrative":"echo","observation_type":"reference","noise_level":"medium"}}`

	_, err = h.orchestrator.ProcessInteraction(ctx, ToolInteraction{
		ToolName: "bash", SessionID: sessionID, Project: "/tmp/project",
		ToolResponse: "this repeats what was already injected into context",
	})
	require.ErrorIs(t, err, errs.ErrFilteredOut)
}

func TestSweepDedup_MergesNearDuplicatesAndRemovesTheNewerRow(t *testing.T) {
	h := newTestHarness(t, 1.0)
	ctx := context.Background()
	sessionID := uuid.New()
	_, err := h.store.GetOrCreateSession(ctx, sessionID, "", "/tmp/project")
	require.NoError(t, err)

	vec := make([]float32, model.EmbeddingDimension)
	vec[0] = 1.0

	older := &model.Observation{Title: "older duplicate", ObservationType: model.ObservationCode, NoiseLevel: model.NoiseMedium, SessionID: sessionID}
	_, err = h.store.SaveObservation(ctx, older)
	require.NoError(t, err)
	require.NoError(t, h.store.StoreEmbedding(ctx, older.ID, vec))

	newer := &model.Observation{Title: "newer duplicate", ObservationType: model.ObservationCode, NoiseLevel: model.NoiseMedium, SessionID: sessionID}
	_, err = h.store.SaveObservation(ctx, newer)
	require.NoError(t, err)
	require.NoError(t, h.store.StoreEmbedding(ctx, newer.ID, vec))

	n, err := h.orchestrator.SweepDedup(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.store.GetByID(ctx, newer.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = h.store.GetByID(ctx, older.ID)
	assert.NoError(t, err)
}

func TestPruneInjectedTracker_RemovesStaleSessions(t *testing.T) {
	h := newTestHarness(t, 1.0)
	sessionID := uuid.New()

	h.orchestrator.RecordInjected(sessionID, []uuid.UUID{uuid.New()})

	removed := h.orchestrator.PruneInjectedTracker(time.Hour)
	assert.Equal(t, 0, removed, "a just-touched session should not be pruned yet")

	removed = h.orchestrator.PruneInjectedTracker(0)
	assert.Equal(t, 1, removed, "a zero max age prunes every tracked session")
}

func TestCosineSimilarity_IdenticalVectorsScoreOne(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, cosineSimilarity(a, b), 1e-9)
}

func TestCosineSimilarity_OrthogonalVectorsScoreZero(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	assert.InDelta(t, 0.0, cosineSimilarity(a, b), 1e-9)
}
