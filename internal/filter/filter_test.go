package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/memoryd/internal/config"
)

func TestFilterInjectedMemory_StripsMemoryBlocks(t *testing.T) {
	s := New(config.FilterConfig{})

	out, dropped := s.FilterInjectedMemory("before <memory-context>irrelevant</memory-context> after")
	assert.False(t, dropped)
	assert.Equal(t, "before  after", out)
}

func TestFilterInjectedMemory_DropsWhenEmptyAfterStrip(t *testing.T) {
	s := New(config.FilterConfig{})

	_, dropped := s.FilterInjectedMemory("<opencode-mem-context>only injected content</opencode-mem-context>")
	assert.True(t, dropped)
}

func TestFilterPrivateContent_RedactsNestedStringLeaf(t *testing.T) {
	s := New(config.FilterConfig{})

	payload, err := json.Marshal(map[string]any{
		"tool":   "bash",
		"output": "token=<private>super-secret</private> done",
	})
	require.NoError(t, err)

	out := s.FilterPrivateContent(payload)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.NotContains(t, decoded["output"], "super-secret")
}

func TestFilterPrivateContent_RecursesThroughArrays(t *testing.T) {
	s := New(config.FilterConfig{})

	payload, err := json.Marshal(map[string]any{
		"items": []any{
			map[string]any{"note": "<private>hidden</private>"},
			"plain",
		},
	})
	require.NoError(t, err)

	out := s.FilterPrivateContent(payload)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	items := decoded["items"].([]any)
	first := items[0].(map[string]any)
	assert.NotContains(t, first["note"], "hidden")
}

func TestLowValueFilter_MatchesBuiltinPattern(t *testing.T) {
	s := New(config.FilterConfig{})

	result := s.LowValueFilter("ls -la")
	assert.True(t, result.Dropped)
	assert.NotEmpty(t, result.Reason)
}

func TestLowValueFilter_KeepsSubstantiveContent(t *testing.T) {
	s := New(config.FilterConfig{})

	result := s.LowValueFilter("refactored the queue leasing logic to use SKIP LOCKED")
	assert.False(t, result.Dropped)
}

func TestLowValueFilter_CustomPatternFromConfig(t *testing.T) {
	s := New(config.FilterConfig{ExtraPatterns: []string{`^TODO:`}})

	result := s.LowValueFilter("TODO: revisit later")
	assert.True(t, result.Dropped)
}

func TestNew_SkipsInvalidCustomPattern(t *testing.T) {
	s := New(config.FilterConfig{ExtraPatterns: []string{"("}})
	assert.False(t, s.LowValueFilter("anything").Dropped)
}
