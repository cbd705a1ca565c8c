package store

import (
	"errors"
)

var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a conditional write or a transaction
	// precondition no longer holds.
	ErrConflict = errors.New("write conflict")

	// ErrAborted is returned when a transaction kept conflicting until its
	// retry budget ran out. Retrying the whole operation is safe.
	ErrAborted = errors.New("transaction aborted")

	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize or
	// MaxBatchBytes.
	ErrBatchTooLarge = errors.New("batch exceeds backend limit")

	// ErrBadCursor is returned when a query cursor cannot be decoded.
	ErrBadCursor = errors.New("malformed query cursor")
)
