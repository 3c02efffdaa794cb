// Package filter implements the pre-filter pipeline of the Observation
// Service's pipeline (spec §4.5 step 1): stripping editor-injected memory
// blocks, redacting <private> markers (recursively through structured
// payloads), and dropping low-value interactions against a configurable
// pattern set.
package filter

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/opencode-mem/memoryd/internal/config"
)

var (
	memoryBlockPattern = regexp.MustCompile(`(?is)<memory-[^>]*>.*?</memory-[^>]*>`)
	memoryContextBlock = regexp.MustCompile(`(?is)<opencode-mem-context>.*?</opencode-mem-context>`)
	privateBlockPattern = regexp.MustCompile(`(?is)<private>.*?</private>`)
)

// CompiledPattern is one low-value rule, grounded on masking.CompiledPattern
// (name + regex + free-text reason) but applied to drop-or-keep decisions
// instead of substitution.
type CompiledPattern struct {
	Name  string
	Regex *regexp.Regexp
	Reason string
}

// Service applies the three pre-filter stages, grounded on
// pkg/masking/service.go's MaskingService: patterns compiled eagerly at
// construction, applied through a composite method, invalid custom patterns
// logged and skipped rather than failing startup.
type Service struct {
	lowValuePatterns []CompiledPattern
}

// New compiles the built-in low-value patterns plus any operator-supplied
// extras from cfg. Patterns that fail to compile are logged and skipped
// (spec §6: a malformed custom pattern must not crash the service).
func New(cfg config.FilterConfig) *Service {
	s := &Service{}

	for _, bp := range config.GetBuiltinPatterns() {
		re, err := regexp.Compile(bp.Regex)
		if err != nil {
			slog.Error("filter: built-in pattern failed to compile, skipping", "name", bp.Name, "error", err)
			continue
		}
		s.lowValuePatterns = append(s.lowValuePatterns, CompiledPattern{Name: bp.Name, Regex: re, Reason: bp.Reason})
	}

	for i, raw := range cfg.ExtraPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			slog.Error("filter: custom pattern failed to compile, skipping", "pattern", raw, "error", err)
			continue
		}
		s.lowValuePatterns = append(s.lowValuePatterns, CompiledPattern{
			Name:   "custom_" + strconv.Itoa(i),
			Regex:  re,
			Reason: "matched custom low-value pattern",
		})
	}

	return s
}

// FilterInjectedMemory strips editor-injected <memory-*> and
// <opencode-mem-context> blocks. dropped is true when nothing meaningful
// remains (spec §4.5 step 1).
func (s *Service) FilterInjectedMemory(content string) (stripped string, dropped bool) {
	out := memoryBlockPattern.ReplaceAllString(content, "")
	out = memoryContextBlock.ReplaceAllString(out, "")
	if strings.TrimSpace(out) == "" {
		return "", true
	}
	return out, false
}

// FilterPrivateContent removes <private>...</private> spans from every
// string leaf of a structured payload, recursing through objects and
// arrays. A leaf that looks like embedded JSON but fails to re-parse after
// stripping is replaced with null and logged — the unfiltered original is
// never substituted back (spec §4.5 step 1).
func (s *Service) FilterPrivateContent(payload json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		// Not valid JSON at all: treat the raw bytes as a single string leaf.
		return json.RawMessage(mustMarshal(filterString(string(payload))))
	}

	filtered := filterValue(v)
	out, err := json.Marshal(filtered)
	if err != nil {
		slog.Warn("filter: private-content reconstruction failed, substituting null", "error", err)
		return json.RawMessage("null")
	}
	return out
}

func filterValue(v any) any {
	switch t := v.(type) {
	case string:
		return filterString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = filterValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = filterValue(val)
		}
		return out
	default:
		return t
	}
}

func filterString(s string) any {
	if !strings.Contains(s, "<private>") {
		return s
	}
	stripped := privateBlockPattern.ReplaceAllString(s, "")

	// If the string leaf was itself an embedded JSON document, re-parse and
	// re-filter it rather than leaving mismatched brackets behind.
	trimmed := strings.TrimSpace(stripped)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var nested any
		if err := json.Unmarshal([]byte(trimmed), &nested); err != nil {
			slog.Warn("filter: embedded JSON leaf unparseable after private-content stripping, substituting null")
			return nil
		}
		out, err := json.Marshal(filterValue(nested))
		if err != nil {
			slog.Warn("filter: embedded JSON leaf failed to re-marshal, substituting null", "error", err)
			return nil
		}
		return string(out)
	}
	return stripped
}

// LowValueResult reports a low-value classification.
type LowValueResult struct {
	Dropped bool
	Reason  string
}

// LowValueFilter classifies content against the compiled pattern set (spec
// §4.5 step 1). The first matching pattern wins and its reason is recorded.
func (s *Service) LowValueFilter(content string) LowValueResult {
	for _, p := range s.lowValuePatterns {
		if p.Regex.MatchString(content) {
			return LowValueResult{Dropped: true, Reason: p.Reason}
		}
	}
	return LowValueResult{}
}

func mustMarshal(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return out
}
