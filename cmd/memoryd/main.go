// Command memoryd is the composition root: it wires internal/database into
// internal/store, internal/search, internal/embedding, internal/llmgateway,
// internal/observation, internal/queue, and internal/infinitemem, then
// serves the thin internal/api HTTP surface. Grounded on tarsy's
// cmd/tarsy/main.go — godotenv-then-gin startup shape, generalized from a
// single database+service wiring to this repo's multi-package pipeline.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/opencode-mem/memoryd/internal/api"
	"github.com/opencode-mem/memoryd/internal/config"
	"github.com/opencode-mem/memoryd/internal/database"
	"github.com/opencode-mem/memoryd/internal/embedding"
	"github.com/opencode-mem/memoryd/internal/events"
	"github.com/opencode-mem/memoryd/internal/filter"
	"github.com/opencode-mem/memoryd/internal/infinitemem"
	"github.com/opencode-mem/memoryd/internal/llmgateway"
	"github.com/opencode-mem/memoryd/internal/mcptools"
	"github.com/opencode-mem/memoryd/internal/observation"
	"github.com/opencode-mem/memoryd/internal/queue"
	"github.com/opencode-mem/memoryd/internal/search"
	"github.com/opencode-mem/memoryd/internal/store"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	cfg := config.Load()
	for _, w := range cfg.Validate() {
		slog.Warn("config: " + w)
	}

	gin.SetMode(getEnv("GIN_MODE", "release"))

	instanceID := getEnv("HOSTNAME", "memoryd-0")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.NewClient(ctx, database.Config{
		DSN:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("memoryd: failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Warn("memoryd: error closing database client", "error", err)
		}
	}()
	slog.Info("memoryd: connected to postgres, schema migrated")

	st := store.New(dbClient.Pool)
	embedder := embedding.New(cfg.Embedding.Host, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Disabled)
	srch := search.New(dbClient.Pool, embedder)
	llm := llmgateway.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.RequestTimeout, cfg.LLM.MaxRetries)
	flt := filter.New(cfg.Filter)

	// Infinite Memory is optional: an empty INFINITE_MEMORY_URL disables it
	// and the orchestrator is built with a nil InfiniteMemoryWriter (spec §6).
	var aggregator *infinitemem.Aggregator
	var infMemPool = dbClient.Pool
	if cfg.Database.InfiniteMemoryURL != "" && cfg.Database.InfiniteMemoryURL != cfg.Database.URL {
		infMemClient, err := database.NewClient(ctx, database.Config{
			DSN:          cfg.Database.InfiniteMemoryURL,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			slog.Error("memoryd: failed to connect to infinite-memory database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = infMemClient.Close() }()
		infMemPool = infMemClient.Pool
	}
	if cfg.Database.InfiniteMemoryURL != "" {
		aggregator = infinitemem.New(infMemPool, flt, llm, cfg.Aggregator, cfg.Queue.MinEventsPerBucket, instanceID)
	}

	orch := observation.New(st, srch, llm, embedder, flt, nil, aggregatorOrNil(aggregator), cfg.Dedup)

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("memoryd: invalid OPENCODE_MEM_REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		orch.UseRedisInjectedTracker(redisClient, cfg.Dedup.MaxInjectedIDs, cfg.Queue.InjectionGCMaxAge)
		slog.Info("memoryd: echo-suppression tracker backed by redis")
	}

	pool := queue.NewPool(st, orch, orch, cfg.Queue, instanceID)
	if redisClient != nil {
		pool.UseRedisConcurrencyLimiter(redisClient, cfg.Queue.WorkerCount, cfg.Queue.VisibilityTimeout)
	}
	if err := pool.Start(ctx); err != nil {
		slog.Error("memoryd: failed to start queue pool", "error", err)
		os.Exit(1)
	}
	defer pool.Stop()

	if aggregator != nil {
		aggregator.Start(ctx)
		defer aggregator.Stop()
	}

	publisher := events.New(cfg.Events, dbClient.Pool)
	orch.SetEventPublisher(publisher)

	tools := mcptools.New(st, srch, orch, aggregator)
	apiServer := api.NewServer(dbClient, tools, pool)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: apiServer.Handler(),
	}
	go func() {
		slog.Info("memoryd: http server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("memoryd: http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("memoryd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("memoryd: http server shutdown error", "error", err)
	}
}

// aggregatorOrNil returns a nil observation.InfiniteMemoryWriter rather than
// a non-nil interface wrapping a nil *Aggregator, which would otherwise make
// every o.infiniteMemory != nil check in internal/observation true even when
// infinite memory is disabled.
func aggregatorOrNil(a *infinitemem.Aggregator) observation.InfiniteMemoryWriter {
	if a == nil {
		return nil
	}
	return a
}
