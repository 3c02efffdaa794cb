// Package queue implements the Queue & Background Processor (spec §4.6): an
// at-least-once, visibility-timeout queue for incoming tool interactions,
// a bounded worker pool that leases and processes them, and the periodic
// reclaim sweep that resets expired leases back to pending.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/opencode-mem/memoryd/internal/config"
	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/model"
	"github.com/opencode-mem/memoryd/internal/observation"
	"github.com/opencode-mem/memoryd/internal/store"
)

// wireMessage is the JSON shape stored as PendingMessage.Payload — the
// queue treats it as opaque bytes except to round-trip it here.
type wireMessage struct {
	ToolName       string          `json:"tool_name"`
	SessionID      uuid.UUID       `json:"session_id"`
	Project        string          `json:"project"`
	ToolResponse   string          `json:"tool_response"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAtEpoch int64           `json:"created_at_epoch"`
	PromptNumber   model.PromptNumber `json:"prompt_number"`
}

// Enqueue writes a new pending row for t, deriving the same content hash
// the reclaim/dedup path expects (spec §4.6 "Enqueue").
func Enqueue(ctx context.Context, st store.Storage, t observation.ToolInteraction) (uuid.UUID, error) {
	if t.CreatedAtEpoch == 0 {
		t.CreatedAtEpoch = time.Now().Unix()
	}
	payload, err := json.Marshal(wireMessage{
		ToolName:       t.ToolName,
		SessionID:      t.SessionID,
		Project:        t.Project,
		ToolResponse:   t.ToolResponse,
		RawPayload:     t.RawPayload,
		CreatedAtEpoch: t.CreatedAtEpoch,
		PromptNumber:   t.PromptNumber,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue: encode message: %w", err)
	}
	return st.QueueMessage(ctx, payload, t.ToolName, t.SessionID.String(), t.ToolResponse, t.CreatedAtEpoch)
}

func decode(pm *model.PendingMessage) (observation.ToolInteraction, error) {
	var w wireMessage
	if err := json.Unmarshal(pm.Payload, &w); err != nil {
		return observation.ToolInteraction{}, fmt.Errorf("queue: decode message %s: %w", pm.ID, err)
	}
	return observation.ToolInteraction{
		ToolName:       w.ToolName,
		SessionID:      w.SessionID,
		Project:        w.Project,
		ToolResponse:   w.ToolResponse,
		RawPayload:     w.RawPayload,
		CreatedAtEpoch: w.CreatedAtEpoch,
		PromptNumber:   w.PromptNumber,
	}, nil
}

// Processor is the narrow slice of *observation.Orchestrator the pool
// depends on, kept as an interface so tests can fake it without spinning up
// Postgres/the LLM Gateway (the orchestrator itself wraps real
// infrastructure and isn't practical to construct cheaply in a unit test).
type Processor interface {
	ProcessInteraction(ctx context.Context, t observation.ToolInteraction) (*model.Observation, error)
}

// Sweeper is the narrow slice of *observation.Orchestrator the two
// lower-frequency cron jobs depend on: the dedup sweep and the injected-ID
// tracker GC. Both are named alongside the reclaim sweep as the Queue &
// Background Processor's periodic work (spec's domain-stack note on the
// background processor's three scheduled sweeps), so they're scheduled
// here rather than inside internal/observation itself.
type Sweeper interface {
	SweepDedup(ctx context.Context, batchSize int) (int, error)
	PruneInjectedTracker(maxAge time.Duration) int
}

// Pool runs cfg.WorkerCount workers against a shared lease feed, plus the
// cron-scheduled reclaim sweep. Grounded on pkg/queue/{pool,worker}.go's
// shape, adapted from ent/AlertSession claiming to PendingMessage leasing
// and from a per-worker poll loop to a single leaser feeding a bounded
// channel, since spec §4.6 describes the concurrency bound as one shared
// semaphore rather than N independent pollers.
type Pool struct {
	store      store.Storage
	processor  Processor
	sweeper    Sweeper
	cfg        config.QueueConfig
	instanceID string
	limiter    ConcurrencyLimiter

	jobs    chan *model.PendingMessage
	cron    *cron.Cron
	stopCh  chan struct{}
	stopOnce sync.Once
	wg      sync.WaitGroup
	running atomic.Bool
}

// Healthy implements internal/api's QueueHealth: true once Start has
// launched the workers and cron scheduler, false after Stop.
func (p *Pool) Healthy() bool {
	return p.running.Load()
}

// UseRedisConcurrencyLimiter bounds in-flight processing across every
// memoryd replica sharing client, instead of only within this process
// (SPEC_FULL §5). limit is the cluster-wide cap; a nil client leaves the
// pool bounded only by cfg.WorkerCount, as before.
func (p *Pool) UseRedisConcurrencyLimiter(client *redis.Client, limit int, leaseTTL time.Duration) {
	if client == nil {
		return
	}
	p.limiter = newRedisLimiter(client, limit, leaseTTL)
}

// NewPool builds a Pool. instanceID identifies this process for lease
// attribution (processing_instance_id). sweeper may be nil, in which case
// the dedup-sweep and injection-GC cron jobs are not scheduled.
func NewPool(st store.Storage, processor Processor, sweeper Sweeper, cfg config.QueueConfig, instanceID string) *Pool {
	return &Pool{
		store:      st,
		processor:  processor,
		sweeper:    sweeper,
		cfg:        cfg,
		instanceID: instanceID,
		jobs:       make(chan *model.PendingMessage, cfg.LeaseBatchSize),
		stopCh:     make(chan struct{}),
	}
}

// Start spawns the worker goroutines, the leaser, and the cron-scheduled
// reclaim sweep. It returns once scheduling succeeds; workers run until Stop.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.instanceID, i)
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}

	p.wg.Add(1)
	go p.runLeaser(ctx)

	p.cron = cron.New()
	if _, err := p.cron.AddFunc(everySpec(p.cfg.ReclaimInterval), func() {
		p.runReclaim(ctx)
	}); err != nil {
		return fmt.Errorf("queue: schedule reclaim sweep: %w", err)
	}

	if p.sweeper != nil {
		if _, err := p.cron.AddFunc(everySpec(p.cfg.DedupSweepInterval), func() {
			p.runDedupSweep(ctx)
		}); err != nil {
			return fmt.Errorf("queue: schedule dedup sweep: %w", err)
		}
		if _, err := p.cron.AddFunc(everySpec(p.cfg.InjectionGCInterval), func() {
			p.runInjectionGC()
		}); err != nil {
			return fmt.Errorf("queue: schedule injection GC: %w", err)
		}
	}
	p.cron.Start()
	p.running.Store(true)

	slog.Info("queue: worker pool started", "workers", p.cfg.WorkerCount, "instance_id", p.instanceID)
	return nil
}

// Stop signals every worker and the leaser to exit, stops the cron
// scheduler, and waits for in-flight processing to finish.
func (p *Pool) Stop() {
	p.running.Store(false)
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		slog.Warn("queue: graceful shutdown timed out, workers may still be in flight")
	}
}

// runLeaser polls LeaseBatch on a jittered interval and feeds claimed
// messages into the shared jobs channel (spec §4.6 "Lease").
func (p *Pool) runLeaser(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			close(p.jobs)
			return
		case <-ctx.Done():
			close(p.jobs)
			return
		default:
		}

		claimed, err := p.store.LeaseBatch(ctx, p.cfg.LeaseBatchSize, p.cfg.VisibilityTimeout, p.instanceID)
		if err != nil {
			slog.Error("queue: lease batch failed", "error", err)
			p.sleep(time.Second)
			continue
		}
		if len(claimed) == 0 {
			p.sleep(p.pollInterval())
			continue
		}

		for _, pm := range claimed {
			select {
			case p.jobs <- pm:
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// runWorker drains jobs and processes each leased message to a terminal
// outcome: Complete, Fail (retry or dead-letter).
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := slog.With("worker_id", workerID)

	for pm := range p.jobs {
		p.process(ctx, log, pm)
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, pm *model.PendingMessage) {
	t, err := decode(pm)
	if err != nil {
		log.Error("queue: malformed message, moving to dead-letter", "message_id", pm.ID, "error", err)
		if failErr := p.store.Fail(ctx, pm.ID, false, p.cfg.MaxRetries); failErr != nil {
			log.Error("queue: failed to dead-letter malformed message", "message_id", pm.ID, "error", failErr)
		}
		return
	}

	if p.limiter != nil {
		release, err := p.limiter.Acquire(ctx)
		if err != nil {
			log.Warn("queue: concurrency limiter acquire failed, processing without a cluster-wide permit", "message_id", pm.ID, "error", err)
		} else {
			defer release()
		}
	}

	_, procErr := p.processor.ProcessInteraction(ctx, t)

	switch {
	case procErr == nil, errors.Is(procErr, errs.ErrFilteredOut):
		if err := p.store.Complete(ctx, pm.ID); err != nil {
			log.Error("queue: complete failed", "message_id", pm.ID, "error", err)
		}

	default:
		transient := errs.IsTransient(procErr)
		log.Warn("queue: processing failed", "message_id", pm.ID, "transient", transient, "error", procErr)
		if err := p.store.Fail(ctx, pm.ID, transient, p.cfg.MaxRetries); err != nil {
			log.Error("queue: fail failed", "message_id", pm.ID, "error", err)
		}
	}
}

// runReclaim resets leases whose visibility_deadline has passed back to
// pending (spec §4.6 "Reclaim").
func (p *Pool) runReclaim(ctx context.Context) {
	n, err := p.store.CleanupStaleLeases(ctx)
	if err != nil {
		slog.Error("queue: reclaim sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("queue: reclaimed stale leases", "count", n)
	}
}

// runDedupSweep re-scans recently created observations for near-duplicates
// the inline write-time check missed (spec §4.6's 30-minute dedup sweep).
func (p *Pool) runDedupSweep(ctx context.Context) {
	n, err := p.sweeper.SweepDedup(ctx, p.cfg.DedupSweepBatchSize)
	if err != nil {
		slog.Error("queue: dedup sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("queue: dedup sweep merged observations", "count", n)
	}
}

// runInjectionGC drops echo-suppression tracker entries for sessions that
// haven't had anything injected recently (spec §4.6's injection-ID GC).
func (p *Pool) runInjectionGC() {
	n := p.sweeper.PruneInjectedTracker(p.cfg.InjectionGCMaxAge)
	if n > 0 {
		slog.Info("queue: pruned stale injected-ID tracker entries", "count", n)
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns PollInterval jittered by ±PollIntervalJitter,
// grounded on pkg/queue/worker.go::pollInterval.
func (p *Pool) pollInterval() time.Duration {
	base := p.cfg.PollInterval
	jitter := p.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// everySpec turns a Go duration into a robfig/cron "@every" expression,
// falling back to an hourly cadence for a non-positive interval.
func everySpec(d time.Duration) string {
	if d <= 0 {
		d = time.Hour
	}
	return "@every " + d.String()
}
