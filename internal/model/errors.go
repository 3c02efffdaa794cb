package model

import "errors"

// Sentinel validation errors specific to entity shape. internal/errs wraps
// these into the typed taxonomy (ValidationFailed) at the service boundary;
// model itself has no dependency on errs to keep it a leaf package.
var (
	ErrEmptyTitle              = errors.New("observation: title must not be empty")
	ErrEmbeddingWrongDimension = errors.New("embedding: vector must have exactly 1024 components")
	ErrEmbeddingNonFinite      = errors.New("embedding: vector contains a non-finite component")
	ErrEmbeddingZeroVector     = errors.New("embedding: vector has zero norm")
)
