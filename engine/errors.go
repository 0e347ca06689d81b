package engine

import "errors"

// Sentinel errors returned by the configuration operations. Callers
// distinguish them with errors.Is, so wrap with %w when adding context.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrSaveFailed    = errors.New("failed to save config")
)
