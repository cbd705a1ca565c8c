package objectstore

import (
	"errors"
)

var (
	// ErrNotFound is returned when no object has the requested id.
	ErrNotFound = errors.New("object not found")

	// ErrCorrupt is returned when a chunked object's chunk set is not
	// exactly the indices 0..chunkCount-1.
	ErrCorrupt = errors.New("object is corrupt: chunks are missing")

	// ErrTooLarge is returned when an object needs more documents or more
	// bytes than the store can write in one atomic batch. Nothing is written.
	ErrTooLarge = errors.New("object exceeds the maximum storable size")

	// ErrStorage is returned when the store failed. Retrying the whole
	// operation is safe.
	ErrStorage = errors.New("storage failure, please try again")

	// ErrInvalidMetadata is returned when a metadata update is malformed.
	ErrInvalidMetadata = errors.New("invalid object metadata")
)
