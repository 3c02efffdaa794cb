package model

import (
	"math"
	"strings"
)

func normalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// ValidateObservation checks the invariants spec §3 and §8 invariant 1/2 place
// on an Observation before it reaches Storage. It does not check title
// uniqueness — that is a Storage-level constraint, not an in-process one.
func ValidateObservation(o *Observation) error {
	if strings.TrimSpace(o.Title) == "" {
		return ErrEmptyTitle
	}
	if !o.ObservationType.Valid() {
		return ErrUnknownEnum("observation_type", stringerOf(string(o.ObservationType)))
	}
	if o.NoiseLevel == "" {
		o.NoiseLevel = DefaultNoiseLevel
	}
	if !o.NoiseLevel.Valid() {
		return ErrUnknownEnum("noise_level", stringerOf(string(o.NoiseLevel)))
	}
	return nil
}

// ValidateEmbeddingVector enforces spec §8 invariant 2: exactly 1024
// components, all finite, with a nonzero norm.
func ValidateEmbeddingVector(v []float32) error {
	if len(v) != EmbeddingDimension {
		return ErrEmbeddingWrongDimension
	}
	var sumSquares float64
	for _, c := range v {
		f := float64(c)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrEmbeddingNonFinite
		}
		sumSquares += f * f
	}
	if sumSquares == 0 {
		return ErrEmbeddingZeroVector
	}
	return nil
}

type stringerValue string

func (s stringerValue) String() string { return string(s) }

func stringerOf(s string) stringerValue { return stringerValue(s) }
