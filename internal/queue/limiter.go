package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConcurrencyLimiter bounds how many messages are being processed across
// every memoryd replica at once, generalizing cfg.WorkerCount's per-process
// bound (pkg/queue/pool.go's activeSessions idiom) to a distributed
// semaphore (SPEC_FULL §5). Acquire blocks until a slot is free or ctx is
// done; the returned release func must always be called.
type ConcurrencyLimiter interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// redisLimiter implements ConcurrencyLimiter as a counting semaphore held in
// a single Redis key: INCR reserves a slot, and a slot is released by DECR.
// A permit that's never released (process crash) self-heals once leaseTTL
// elapses and the key expires, re-seeding the counter from zero.
type redisLimiter struct {
	client   *redis.Client
	key      string
	limit    int64
	leaseTTL time.Duration
	poll     time.Duration
}

// newRedisLimiter builds a cluster-wide permit pool of size limit, shared by
// every memoryd replica that points at the same Redis instance.
func newRedisLimiter(client *redis.Client, limit int, leaseTTL time.Duration) *redisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &redisLimiter{
		client:   client,
		key:      "memoryd:queue:inflight",
		limit:    int64(limit),
		leaseTTL: leaseTTL,
		poll:     50 * time.Millisecond,
	}
}

func (l *redisLimiter) Acquire(ctx context.Context) (func(), error) {
	for {
		ok, err := l.tryAcquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("queue: redis concurrency limiter: %w", err)
		}
		if ok {
			return func() { l.release() }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func (l *redisLimiter) tryAcquire(ctx context.Context) (bool, error) {
	n, err := l.client.Incr(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		l.client.Expire(ctx, l.key, l.leaseTTL)
	}
	if n > l.limit {
		l.client.Decr(ctx, l.key)
		return false, nil
	}
	return true, nil
}

func (l *redisLimiter) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.client.Decr(ctx, l.key)
}
