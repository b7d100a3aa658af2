package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when no checkpoint is stored.
	ErrNotFound = errors.New("checkpoint not found")
)
