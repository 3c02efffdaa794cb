// Package config loads environment-driven configuration for memoryd.
// Invalid values are clamped or defaulted and reported through Validate's
// warning list — the process never refuses to start over a bad env var
// (spec §6).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration, struct-per-concern the way tarsy's
// pkg/config splits Queue/Retention/etc.
type Config struct {
	Database   DatabaseConfig
	Queue      QueueConfig
	Dedup      DedupConfig
	Filter     FilterConfig
	Embedding  EmbeddingConfig
	LLM        LLMConfig
	Aggregator AggregatorConfig
	Redis      RedisConfig
	Events     EventsConfig
	HTTP       HTTPConfig

	warnings []string
}

// RedisConfig backs the distributed echo-suppression cache and the shared
// worker-concurrency permit (SPEC_FULL §5), generalizing tarsy's
// pkg/queue/pool.go single-process activeSessions map to multiple memoryd
// replicas. URL empty (the default) keeps both in-process instead.
type RedisConfig struct {
	// URL is OPENCODE_MEM_REDIS_URL, e.g. redis://localhost:6379/0.
	URL string
}

// EventsConfig selects the completed-observation event publisher backend
// (SPEC_FULL §5): the default Postgres LISTEN/NOTIFY publisher, or an
// optional Kafka fan-out sitting alongside it.
type EventsConfig struct {
	// Backend is OPENCODE_MEM_EVENTS_BACKEND: "postgres" (default) or "kafka".
	Backend      string
	KafkaBrokers []string
	KafkaTopic   string
}

// HTTPConfig controls the thin HTTP boundary surface (SPEC_FULL §6
// internal/api).
type HTTPConfig struct {
	Addr string
}

// DatabaseConfig holds connection strings for the two backing stores.
type DatabaseConfig struct {
	// URL is DATABASE_URL, the primary store connection string (required).
	URL string
	// InfiniteMemoryURL is INFINITE_MEMORY_URL. Empty disables the
	// infinite-memory subsystem entirely (spec §6).
	InfiniteMemoryURL string
	MaxOpenConns      int
	MaxIdleConns      int
}

// DedupConfig holds the two cosine-similarity thresholds (spec §4.5, §6).
type DedupConfig struct {
	// DedupThreshold: cosine similarity above which two observations merge
	// rather than both being stored (default 0.85).
	DedupThreshold float64
	// InjectionDedupThreshold: cosine similarity above which an incoming
	// observation is treated as an echo of a previously injected one
	// (default 0.80).
	InjectionDedupThreshold float64
	// MaxInjectedIDs bounds the per-session injected-id tracker (spec §4.5:
	// MAX_INJECTED_IDS = 500).
	MaxInjectedIDs int
}

// FilterConfig holds the low-value filter's configurable inputs (spec §6).
type FilterConfig struct {
	// ExtraPatterns: OPENCODE_MEM_FILTER_PATTERNS, appended to the built-in
	// low-value pattern set.
	ExtraPatterns []string
	// ExcludedProjects: OPENCODE_MEM_EXCLUDED_PROJECTS, split on commas. No
	// `~` expansion is applied, and nothing in this module matches project
	// paths against it, so it does not exclude any project from ingestion.
	ExcludedProjects []string
	// PatternFile: OPENCODE_MEM_FILTER_PATTERN_FILE. WatchPatternFile can
	// watch such a file via fsnotify, but nothing in this module starts that
	// watcher or loads the file's patterns into the filter.
	PatternFile string
}

// EmbeddingConfig controls the Embedding Service (spec §4.2, §6).
type EmbeddingConfig struct {
	// Disabled: OPENCODE_MEM_DISABLE_EMBEDDINGS. When true, embed calls
	// return errs.ErrEmbeddingDisabled and writes proceed without a vector.
	Disabled bool
	// Host: OPENCODE_MEM_EMBEDDING_HOST, the OpenAI-compatible /embeddings
	// endpoint base URL.
	Host string
	// APIKey: OPENCODE_MEM_EMBEDDING_API_KEY.
	APIKey string
	// Model: OPENCODE_MEM_EMBEDDING_MODEL.
	Model string
}

// LLMConfig holds the LLM Gateway's credential and retry tuning (spec §4.4).
type LLMConfig struct {
	APIKey         string // ANTIGRAVITY_API_KEY
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
	MaxRetries     int
}

// QueueConfig controls the background processor (spec §4.6), grounded on
// tarsy's pkg/config/queue.go shape.
type QueueConfig struct {
	WorkerCount             int
	LeaseBatchSize          int
	VisibilityTimeout       time.Duration
	PollInterval            time.Duration
	PollIntervalJitter      time.Duration
	GracefulShutdownTimeout time.Duration
	ReclaimInterval         time.Duration
	DedupSweepInterval      time.Duration
	DedupSweepBatchSize     int
	InjectionGCInterval     time.Duration
	InjectionGCMaxAge       time.Duration
	MaxRetries              int
	MinEventsPerBucket      int
}

// AggregatorConfig controls the Infinite Memory hierarchical aggregator's
// own sweep loop (spec §4.7) — separate from the Queue & Background
// Processor's cron-scheduled sweeps since it closes 5-minute/hour/day
// windows on its own cadence, not one of the three named background jobs.
type AggregatorConfig struct {
	SweepInterval    time.Duration
	SessionBatchSize int
	DrillDownMaxRows int
}

// DefaultAggregatorConfig returns the built-in aggregator defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		SweepInterval:    1 * time.Minute,
		SessionBatchSize: 100,
		DrillDownMaxRows: 500,
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return v == "1" || strings.EqualFold(v, "true")
}

// Load builds a Config from the process environment, matching the
// variable names in spec §6. Parse failures are warned about and the
// default value is substituted, never a hard failure.
//
// It loads an .env file first, the way tarsy's cmd/tarsy/main.go calls
// godotenv.Load before reading any OPENCODE_MEM_* variable: a missing file
// is not an error, since the process environment may already carry
// everything it needs (container deployments rarely ship an .env file).
func Load() *Config {
	envPath := envOr("OPENCODE_MEM_ENV_FILE", ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("config: no .env file loaded, continuing with existing environment", "path", envPath, "error", err)
	}

	c := &Config{
		Database: DatabaseConfig{
			URL:               os.Getenv("DATABASE_URL"),
			InfiniteMemoryURL: os.Getenv("INFINITE_MEMORY_URL"),
			MaxOpenConns:      20,
			MaxIdleConns:      5,
		},
		Queue:      DefaultQueueConfig(),
		Dedup:      DefaultDedupConfig(),
		Aggregator: DefaultAggregatorConfig(),
		Embedding: EmbeddingConfig{
			Disabled: envBool("OPENCODE_MEM_DISABLE_EMBEDDINGS"),
			Host:     envOr("OPENCODE_MEM_EMBEDDING_HOST", "https://api.antigravity.example/v1"),
			APIKey:   os.Getenv("OPENCODE_MEM_EMBEDDING_API_KEY"),
			Model:    envOr("OPENCODE_MEM_EMBEDDING_MODEL", "default"),
		},
		LLM: LLMConfig{
			APIKey:         os.Getenv("ANTIGRAVITY_API_KEY"),
			BaseURL:        envOr("OPENCODE_MEM_LLM_BASE_URL", "https://api.antigravity.example/v1/chat/completions"),
			Model:          envOr("OPENCODE_MEM_LLM_MODEL", "default"),
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
		},
	}

	c.Filter = FilterConfig{
		ExtraPatterns:    splitCSV(os.Getenv("OPENCODE_MEM_FILTER_PATTERNS")),
		ExcludedProjects: splitCSV(os.Getenv("OPENCODE_MEM_EXCLUDED_PROJECTS")),
		PatternFile:      os.Getenv("OPENCODE_MEM_FILTER_PATTERN_FILE"),
	}

	c.Redis = RedisConfig{
		URL: os.Getenv("OPENCODE_MEM_REDIS_URL"),
	}

	c.Events = EventsConfig{
		Backend:      envOr("OPENCODE_MEM_EVENTS_BACKEND", "postgres"),
		KafkaBrokers: splitCSV(os.Getenv("OPENCODE_MEM_KAFKA_BROKERS")),
		KafkaTopic:   envOr("OPENCODE_MEM_KAFKA_TOPIC", "memoryd.observations"),
	}

	c.HTTP = HTTPConfig{
		Addr: envOr("OPENCODE_MEM_HTTP_ADDR", ":8080"),
	}

	if v := os.Getenv("OPENCODE_MEM_DEDUP_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			clamped := clampFloat(f, 0, 1)
			if clamped != f {
				c.warnings = append(c.warnings, warnf("OPENCODE_MEM_DEDUP_THRESHOLD %v out of [0,1], clamped to %v", f, clamped))
			}
			c.Dedup.DedupThreshold = clamped
		} else {
			c.warnings = append(c.warnings, warnf("OPENCODE_MEM_DEDUP_THRESHOLD %q unparsable, using default %v", v, c.Dedup.DedupThreshold))
		}
	}

	if v := os.Getenv("OPENCODE_MEM_INJECTION_DEDUP_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			clamped := clampFloat(f, 0, 1)
			if clamped != f {
				c.warnings = append(c.warnings, warnf("OPENCODE_MEM_INJECTION_DEDUP_THRESHOLD %v out of [0,1], clamped to %v", f, clamped))
			}
			c.Dedup.InjectionDedupThreshold = clamped
		} else {
			c.warnings = append(c.warnings, warnf("OPENCODE_MEM_INJECTION_DEDUP_THRESHOLD %q unparsable, using default %v", v, c.Dedup.InjectionDedupThreshold))
		}
	}

	return c
}

// DefaultDedupConfig returns the built-in dedup thresholds (spec §6 defaults).
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		DedupThreshold:          0.85,
		InjectionDedupThreshold: 0.80,
		MaxInjectedIDs:          500,
	}
}

// DefaultQueueConfig returns the built-in queue defaults, grounded on
// tarsy's pkg/config/queue.go::DefaultQueueConfig.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		WorkerCount:             5,
		LeaseBatchSize:          10,
		VisibilityTimeout:       2 * time.Minute,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      250 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
		ReclaimInterval:         1 * time.Hour,
		DedupSweepInterval:      30 * time.Minute,
		DedupSweepBatchSize:     200,
		InjectionGCInterval:     1 * time.Hour,
		InjectionGCMaxAge:       24 * time.Hour,
		MaxRetries:              5,
		MinEventsPerBucket:      1,
	}
}

// Validate runs the hot-validation report (SPEC_FULL §7): it collects every
// clamped or defaulted value encountered during Load plus structural checks
// not expressible at parse time, returning one warning string per issue so
// startup logs a single structured event instead of scattering slog.Warn
// calls across Load. It never returns an error — nothing here is fatal.
func (c *Config) Validate() []string {
	warnings := append([]string(nil), c.warnings...)

	if c.Database.URL == "" {
		warnings = append(warnings, "DATABASE_URL is empty; storage operations will fail until set")
	}
	if c.Queue.WorkerCount < 1 {
		warnings = append(warnings, warnf("queue worker_count %d invalid, using 1", c.Queue.WorkerCount))
		c.Queue.WorkerCount = 1
	}
	if c.Queue.LeaseBatchSize < 1 {
		warnings = append(warnings, warnf("queue lease_batch_size %d invalid, using 1", c.Queue.LeaseBatchSize))
		c.Queue.LeaseBatchSize = 1
	}
	if c.Dedup.MaxInjectedIDs < 1 {
		warnings = append(warnings, warnf("dedup max_injected_ids %d invalid, using 500", c.Dedup.MaxInjectedIDs))
		c.Dedup.MaxInjectedIDs = 500
	}
	if c.LLM.APIKey == "" {
		warnings = append(warnings, "ANTIGRAVITY_API_KEY is empty; LLM Gateway calls will fail")
	}
	if c.Events.Backend != "postgres" && c.Events.Backend != "kafka" {
		warnings = append(warnings, warnf("OPENCODE_MEM_EVENTS_BACKEND %q unrecognized, using postgres", c.Events.Backend))
		c.Events.Backend = "postgres"
	}
	if c.Events.Backend == "kafka" && len(c.Events.KafkaBrokers) == 0 {
		warnings = append(warnings, "OPENCODE_MEM_EVENTS_BACKEND=kafka but OPENCODE_MEM_KAFKA_BROKERS is empty; falling back to postgres")
		c.Events.Backend = "postgres"
	}

	return warnings
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func warnf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
