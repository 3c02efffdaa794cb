package infinitemem

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opencode-mem/memoryd/internal/config"
	"github.com/opencode-mem/memoryd/internal/database"
	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/filter"
	"github.com/opencode-mem/memoryd/internal/llmgateway"
	"github.com/opencode-mem/memoryd/internal/model"
	"github.com/opencode-mem/memoryd/internal/store"
)

func chatBody(t *testing.T, content string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": content}}},
	})
	require.NoError(t, err)
	return string(body)
}

type testHarness struct {
	aggregator *Aggregator
	store      store.Storage
	pool       *database.Client
	llmContent *string
}

func newTestHarness(t *testing.T) *testHarness {
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

	var llmContent string
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatBody(t, llmContent)))
	}))
	t.Cleanup(llmSrv.Close)
	llm := llmgateway.New(llmSrv.URL, "key", "model", 5*time.Second, 1)

	flt := filter.New(config.FilterConfig{})
	cfg := config.DefaultAggregatorConfig()

	agg := New(client.Pool, flt, llm, cfg, 2, "test-instance")

	return &testHarness{aggregator: agg, store: store.New(client.Pool), pool: client, llmContent: &llmContent}
}

// insertRawEvent writes a raw event directly with an explicit timestamp,
// bypassing StoreRawEvent's privacy filter so tests can control bucketing.
func (h *testHarness) insertRawEvent(t *testing.T, sessionID uuid.UUID, project string, ts time.Time, content string) {
	t.Helper()
	_, err := h.pool.Pool.Exec(context.Background(), `
		INSERT INTO raw_events (ts, session_id, project, event_type, content, files, tools)
		VALUES ($1, $2, $3, 'tool_result', $4, '{}', '{}')`,
		ts, sessionID, project, []byte(content))
	require.NoError(t, err)
}

func TestStoreRawEvent_FiltersPrivateContentBeforeWrite(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	sessionID := uuid.New()
	_, err := h.store.GetOrCreateSession(ctx, sessionID, "", "/tmp/project")
	require.NoError(t, err)

	err = h.aggregator.StoreRawEvent(ctx, model.RawEvent{
		SessionID: sessionID,
		Project:   "/tmp/project",
		Content:   []byte(`{"note":"keep <private>hidden-value</private>this"}`),
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, h.pool.Pool.QueryRow(ctx, `SELECT count(*) FROM raw_events WHERE session_id = $1`, sessionID).Scan(&count))
	assert.Equal(t, 1, count)

	var stored string
	require.NoError(t, h.pool.Pool.QueryRow(ctx, `SELECT content::text FROM raw_events WHERE session_id = $1`, sessionID).Scan(&stored))
	assert.NotContains(t, stored, "hidden-value")
}

func TestAggregate5Min_ClosesBucketAboveThresholdAndLinksBackPointer(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	sessionID := uuid.New()
	_, err := h.store.GetOrCreateSession(ctx, sessionID, "", "/tmp/project")
	require.NoError(t, err)

	bucketStart := time.Now().Add(-20 * time.Minute).Truncate(5 * time.Minute)
	h.insertRawEvent(t, sessionID, "/tmp/project", bucketStart.Add(1*time.Second), `{"step":1}`)
	h.insertRawEvent(t, sessionID, "/tmp/project", bucketStart.Add(2*time.Second), `{"step":2}`)

	*h.llmContent = `{"content":"ran two steps","entities":{"files":["a.go"],"functions":[],"libraries":[],"errors":[],"decisions":[]}}`

	n, err := h.aggregator.aggregate5Min(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var summaryID int64
	require.NoError(t, h.pool.Pool.QueryRow(ctx, `SELECT id FROM summaries_5min WHERE session_id = $1`, sessionID).Scan(&summaryID))

	children, err := h.aggregator.DrillDown(ctx, Level5Min, summaryID)
	require.NoError(t, err)
	events, ok := children.([]*model.RawEvent)
	require.True(t, ok)
	assert.Len(t, events, 2)
}

func TestAggregate5Min_LeavesBucketBelowThresholdUnsummarized(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	sessionID := uuid.New()
	_, err := h.store.GetOrCreateSession(ctx, sessionID, "", "/tmp/project")
	require.NoError(t, err)

	bucketStart := time.Now().Add(-20 * time.Minute).Truncate(5 * time.Minute)
	h.insertRawEvent(t, sessionID, "/tmp/project", bucketStart.Add(1*time.Second), `{"step":1}`)

	n, err := h.aggregator.aggregate5Min(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var count int
	require.NoError(t, h.pool.Pool.QueryRow(ctx, `SELECT count(*) FROM summaries_5min WHERE session_id = $1`, sessionID).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestDrillDown_UnknownIDReturnsValidationError(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.aggregator.DrillDown(ctx, LevelDay, 999999)
	require.Error(t, err)
	assert.True(t, errs.IsValidationError(err))
}

func TestDrillDown_UnknownLevelReturnsValidationError(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.aggregator.DrillDown(ctx, Level("bogus"), 1)
	require.Error(t, err)
	assert.True(t, errs.IsValidationError(err))
}
