package config

import (
	_ "embed"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed builtin_patterns.yaml
var builtinPatternsYAML []byte

// BuiltinPattern is one low-value filter rule shipped with the binary.
type BuiltinPattern struct {
	Name   string `yaml:"name"`
	Regex  string `yaml:"regex"`
	Reason string `yaml:"reason"`
}

type builtinPatternFile struct {
	Patterns []BuiltinPattern `yaml:"patterns"`
}

var (
	builtinPatterns     []BuiltinPattern
	builtinPatternsOnce sync.Once
)

// GetBuiltinPatterns returns the singleton built-in low-value pattern set,
// grounded on tarsy's pkg/config/builtin.go lazy-singleton idiom. Parse
// failure here is a packaging bug, not a runtime condition, so it panics at
// first use rather than being threaded through Load's warning list.
func GetBuiltinPatterns() []BuiltinPattern {
	builtinPatternsOnce.Do(func() {
		var f builtinPatternFile
		if err := yaml.Unmarshal(builtinPatternsYAML, &f); err != nil {
			panic("config: embedded builtin_patterns.yaml is invalid: " + err.Error())
		}
		builtinPatterns = f.Patterns
	})
	return builtinPatterns
}
