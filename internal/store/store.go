// Package store defines the transactional document store the access and
// object layers are built on. Backends live in sub-packages (dynamo, memory,
// postgres) and only promise per-document reads, ordered partition queries,
// atomic multi-document batches and optimistic read-modify-write transactions.
package store

import (
	"context"
)

// Key addresses a single document.
type Key struct {
	PK string
	SK string
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.PK == "" && k.SK == ""
}

// Item is a document to be written. Index is an optional secondary-index
// key used for ordered listings across partitions.
type Item struct {
	Key   Key
	Index Key
	Value any
}

// Op is one write in an atomic batch. Exactly one of Put or Delete is set.
// A Put only creates: the whole batch fails with ErrConflict when its key
// already exists. Replacing a document goes through RunTx.
type Op struct {
	Put    *Item
	Delete *Key
}

// CreateOp returns a batch operation writing item only if its key is free.
func CreateOp(item Item) Op {
	return Op{Put: &item}
}

// DeleteOp returns a batch operation removing key. Deleting a missing
// document is not an error.
func DeleteOp(key Key) Op {
	return Op{Delete: &key}
}

// Query describes an ordered range read of one partition.
type Query struct {
	// Index selects the secondary index; empty means the primary key.
	Index string
	// Partition is the partition key value to read.
	Partition string
	// Prefix restricts the sort key to values starting with it.
	Prefix string
	// Desc reverses the sort-key order.
	Desc bool
	// Limit caps the number of documents returned. Zero reads everything.
	Limit int
	// Cursor resumes a previous limited query. It encodes the pk and sk of
	// the last document returned, plus its gsi1sk on index queries; the
	// partition always comes from the query itself, so a cursor is portable
	// between backends.
	Cursor string
}

// IndexByGroup is the only secondary index: gsi1pk / gsi1sk.
const IndexByGroup = "gsi1"

// Txn is the handle passed to a RunTx function. Reads go to the backend and
// are tracked; writes are buffered and committed together when the function
// returns nil.
type Txn interface {
	// Get reads a document and records its version for the commit check.
	Get(ctx context.Context, key Key, out any) error

	// Put creates a document, or replaces one previously read in this transaction.
	Put(item Item)

	// Merge upserts fields into a document without touching the others.
	Merge(key Key, fields map[string]any)

	// Delete removes a document.
	Delete(key Key)
}

// Store is the persistence surface shared by every backend.
type Store interface {
	// Get performs a consistent read of one document into out.
	Get(ctx context.Context, key Key, out any) error

	// Query reads documents of one partition in sort-key order into out,
	// which must be a pointer to a slice. It returns a cursor for the next
	// page, or "" when the range is exhausted.
	Query(ctx context.Context, q Query, out any) (string, error)

	// Write applies every op atomically.
	Write(ctx context.Context, ops ...Op) error

	// RunTx runs fn in an optimistic transaction, retrying it when another
	// writer changed a document fn read. Errors returned by fn are passed
	// through unchanged and never retried.
	RunTx(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error

	// MaxBatchSize reports how many documents one atomic write may touch.
	// Zero means the backend has no fixed limit.
	MaxBatchSize() int

	// MaxBatchBytes reports the encoded size one atomic write may reach,
	// as measured by ItemSize. Zero means the backend has no fixed limit.
	MaxBatchBytes() int
}
