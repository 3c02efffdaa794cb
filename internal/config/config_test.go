package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig()

	assert.Equal(t, 5, cfg.WorkerCount)
	assert.Equal(t, 10, cfg.LeaseBatchSize)
	assert.Equal(t, 1*time.Second, cfg.PollInterval)
	assert.Equal(t, 1*time.Hour, cfg.ReclaimInterval)
	assert.Equal(t, 30*time.Minute, cfg.DedupSweepInterval)
}

func TestDefaultDedupConfig(t *testing.T) {
	cfg := DefaultDedupConfig()

	assert.Equal(t, 0.85, cfg.DedupThreshold)
	assert.Equal(t, 0.80, cfg.InjectionDedupThreshold)
	assert.Equal(t, 500, cfg.MaxInjectedIDs)
}

func TestLoad_ClampsOutOfRangeThresholds(t *testing.T) {
	t.Setenv("OPENCODE_MEM_DEDUP_THRESHOLD", "1.5")
	t.Setenv("OPENCODE_MEM_INJECTION_DEDUP_THRESHOLD", "-0.2")

	cfg := Load()

	assert.Equal(t, 1.0, cfg.Dedup.DedupThreshold)
	assert.Equal(t, 0.0, cfg.Dedup.InjectionDedupThreshold)
	assert.Len(t, cfg.warnings, 2)
}

func TestLoad_UnparsableThresholdFallsBackToDefault(t *testing.T) {
	t.Setenv("OPENCODE_MEM_DEDUP_THRESHOLD", "not-a-number")

	cfg := Load()

	assert.Equal(t, DefaultDedupConfig().DedupThreshold, cfg.Dedup.DedupThreshold)
	assert.Len(t, cfg.warnings, 1)
}

func TestValidate_ClampsInvalidWorkerCount(t *testing.T) {
	cfg := Load()
	cfg.Queue.WorkerCount = 0

	warnings := cfg.Validate()

	assert.Equal(t, 1, cfg.Queue.WorkerCount)
	assert.Contains(t, warnings, "queue worker_count 0 invalid, using 1")
}

func TestValidate_WarnsOnMissingDatabaseURL(t *testing.T) {
	cfg := Load()
	cfg.Database.URL = ""

	warnings := cfg.Validate()

	assert.Contains(t, warnings, "DATABASE_URL is empty; storage operations will fail until set")
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitCSV(" a, b ,c"))
	assert.Nil(t, splitCSV(""))
	assert.Nil(t, splitCSV("   "))
}

func TestExpandEnv(t *testing.T) {
	os.Setenv("MEMORYD_TEST_VAR", "value")
	defer os.Unsetenv("MEMORYD_TEST_VAR")

	out := ExpandEnv([]byte("prefix-${MEMORYD_TEST_VAR}-suffix"))

	assert.Equal(t, "prefix-value-suffix", string(out))
}

func TestGetBuiltinPatterns(t *testing.T) {
	patterns := GetBuiltinPatterns()
	assert.NotEmpty(t, patterns)
	for _, p := range patterns {
		assert.NotEmpty(t, p.Name)
		assert.NotEmpty(t, p.Regex)
	}
}
