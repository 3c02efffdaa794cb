package queue

import (
	"context"
	"sync"
	"sync/atomic"
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
	"github.com/opencode-mem/memoryd/internal/model"
	"github.com/opencode-mem/memoryd/internal/observation"
	"github.com/opencode-mem/memoryd/internal/store"
)

func newTestStore(t *testing.T) store.Storage {
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

	return store.New(client.Pool)
}

// fakeProcessor records every interaction it sees and returns a
// per-call-scripted outcome, letting tests drive CREATE/transient/permanent
// paths without a real Observation Service.
type fakeProcessor struct {
	mu    sync.Mutex
	seen  []observation.ToolInteraction
	err   error
	calls atomic.Int32
}

func (f *fakeProcessor) ProcessInteraction(ctx context.Context, t observation.ToolInteraction) (*model.Observation, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, t)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &model.Observation{ID: uuid.New(), Title: t.ToolResponse}, nil
}

func testConfig() config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.WorkerCount = 2
	cfg.LeaseBatchSize = 5
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PollIntervalJitter = 5 * time.Millisecond
	cfg.VisibilityTimeout = 5 * time.Second
	cfg.ReclaimInterval = time.Hour
	cfg.GracefulShutdownTimeout = 2 * time.Second
	cfg.MaxRetries = 3
	return cfg
}

func TestPool_ProcessesEnqueuedMessageToCompletion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sessionID := uuid.New()
	_, err := st.GetOrCreateSession(ctx, sessionID, "", "/tmp/project")
	require.NoError(t, err)

	_, err = Enqueue(ctx, st, observation.ToolInteraction{
		ToolName: "bash", SessionID: sessionID, Project: "/tmp/project",
		ToolResponse: "ran a build", CreatedAtEpoch: time.Now().Unix(),
	})
	require.NoError(t, err)

	proc := &fakeProcessor{}
	pool := NewPool(st, proc, nil, testConfig(), "test-instance")
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	dead, err := st.ListDeadLetter(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestPool_PermanentFailureMovesToDeadLetterImmediately(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sessionID := uuid.New()
	_, err := st.GetOrCreateSession(ctx, sessionID, "", "/tmp/project")
	require.NoError(t, err)

	_, err = Enqueue(ctx, st, observation.ToolInteraction{
		ToolName: "bash", SessionID: sessionID, Project: "/tmp/project",
		ToolResponse: "will fail permanently", CreatedAtEpoch: time.Now().Unix(),
	})
	require.NoError(t, err)

	proc := &fakeProcessor{err: errs.NewPermanent("test", assertErr("boom"))}
	pool := NewPool(st, proc, nil, testConfig(), "test-instance")
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		dead, err := st.ListDeadLetter(ctx, 10)
		return err == nil && len(dead) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPool_FilteredOutIsTreatedAsCompletion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sessionID := uuid.New()
	_, err := st.GetOrCreateSession(ctx, sessionID, "", "/tmp/project")
	require.NoError(t, err)

	_, err = Enqueue(ctx, st, observation.ToolInteraction{
		ToolName: "bash", SessionID: sessionID, Project: "/tmp/project",
		ToolResponse: "ls -la", CreatedAtEpoch: time.Now().Unix(),
	})
	require.NoError(t, err)

	proc := &fakeProcessor{err: errs.ErrFilteredOut}
	pool := NewPool(st, proc, nil, testConfig(), "test-instance")
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	dead, err := st.ListDeadLetter(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

// fakeSweeper records how many times each sweep job fires, letting a test
// confirm the pool actually schedules them rather than silently dropping
// them when a Sweeper is provided.
type fakeSweeper struct {
	dedupCalls atomic.Int32
	gcCalls    atomic.Int32
}

func (f *fakeSweeper) SweepDedup(ctx context.Context, batchSize int) (int, error) {
	f.dedupCalls.Add(1)
	return 0, nil
}

func (f *fakeSweeper) PruneInjectedTracker(maxAge time.Duration) int {
	f.gcCalls.Add(1)
	return 0
}

func TestPool_SchedulesSweeperJobsWhenProvided(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.DedupSweepInterval = 50 * time.Millisecond
	cfg.InjectionGCInterval = 50 * time.Millisecond

	sweeper := &fakeSweeper{}
	pool := NewPool(st, &fakeProcessor{}, sweeper, cfg, "test-instance")
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return sweeper.dedupCalls.Load() > 0 && sweeper.gcCalls.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEverySpec(t *testing.T) {
	assert.Equal(t, "@every 1h0m0s", everySpec(time.Hour))
	assert.Equal(t, "@every 1h0m0s", everySpec(0))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
