// Package objectstore persists encoded payloads of any size on a document
// store with a per-document size ceiling. Payloads up to the chunk size are
// kept inline in the metadata document; larger ones are split into
// fixed-size chunks written in the same atomic batch as the metadata.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jun/polygraf/internal/metrics"
	"github.com/jun/polygraf/internal/model"
	"github.com/jun/polygraf/internal/store"
)

const (
	// DefaultChunkSize keeps a chunk document below DynamoDB's 400 KB item limit.
	DefaultChunkSize = 350 * 1024

	// docOverhead bounds the keys and metadata attributes of one document,
	// payload bytes excluded.
	docOverhead = 1024
)

// Object is a stored object with its reassembled payload.
type Object struct {
	model.ObjectMeta
	Payload string `json:"payload"`
}

// MetadataUpdate changes display metadata. Nil fields are left alone.
type MetadataUpdate struct {
	DisplayName    *string
	LinkedEntities *[]string
}

// Store is the chunked object store.
type Store struct {
	db        store.Store
	chunkSize int
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Store writing chunks of chunkSize bytes. A non-positive
// chunkSize selects DefaultChunkSize.
func New(db store.Store, chunkSize int, logger *slog.Logger) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, chunkSize: chunkSize, logger: logger, now: time.Now}
}

// Put stores payload under a fresh id and returns it. Metadata and every
// chunk become visible together or not at all; on failure the caller may
// simply call Put again.
func (s *Store) Put(ctx context.Context, ownerID, name, mimeType, payload string) (string, error) {
	id := uuid.NewString()
	now := s.now().UTC()

	obj := model.StoredObject{ObjectMeta: model.ObjectMeta{
		ID:          id,
		DisplayName: name,
		MIMEType:    mimeType,
		ByteSize:    len(payload),
		OwnerID:     ownerID,
		UploadedAt:  now,
	}}

	var chunks []store.Op
	if len(payload) <= s.chunkSize {
		obj.Storage = model.StorageInline
		obj.InlinePayload = []byte(payload)
	} else {
		count := (len(payload) + s.chunkSize - 1) / s.chunkSize
		if limit := s.db.MaxBatchSize(); limit > 0 && count+1 > limit {
			metrics.ObjectOps.WithLabelValues("put", "too_large").Inc()
			return "", fmt.Errorf("%w: %d bytes need %d chunks, at most %d fit in one batch",
				ErrTooLarge, len(payload), count, limit-1)
		}
		if limit := s.db.MaxBatchBytes(); limit > 0 && len(payload)+(count+1)*docOverhead > limit {
			metrics.ObjectOps.WithLabelValues("put", "too_large").Inc()
			return "", fmt.Errorf("%w: %d bytes exceed the %d byte batch limit",
				ErrTooLarge, len(payload), limit)
		}
		obj.Storage = model.StorageChunked
		obj.ChunkCount = count

		chunks = make([]store.Op, 0, count)
		for i := 0; i < count; i++ {
			lo := i * s.chunkSize
			hi := min(lo+s.chunkSize, len(payload))
			chunks = append(chunks, store.CreateOp(store.Item{
				Key:   store.ChunkKey(id, i),
				Value: model.Chunk{ObjectID: id, Index: i, Data: []byte(payload[lo:hi])},
			}))
		}
	}

	ops := make([]store.Op, 0, len(chunks)+1)
	ops = append(ops, store.CreateOp(store.Item{
		Key:   store.ObjectKey(id),
		Index: store.OwnerIndex(ownerID, now, id),
		Value: obj,
	}))
	ops = append(ops, chunks...)

	if err := s.db.Write(ctx, ops...); err != nil {
		if errors.Is(err, store.ErrBatchTooLarge) {
			metrics.ObjectOps.WithLabelValues("put", "too_large").Inc()
			return "", fmt.Errorf("%w: %w", ErrTooLarge, err)
		}
		metrics.ObjectOps.WithLabelValues("put", "error").Inc()
		return "", fmt.Errorf("%w: put %s: %w", ErrStorage, id, err)
	}

	metrics.ObjectOps.WithLabelValues("put", "ok").Inc()
	metrics.ObjectChunks.Observe(float64(obj.ChunkCount))
	s.logger.Info("object stored",
		slog.String("object_id", id),
		slog.String("owner_id", ownerID),
		slog.Int("bytes", len(payload)),
		slog.Int("chunks", obj.ChunkCount),
	)
	return id, nil
}

// Get returns the object with its payload reassembled in chunk order.
func (s *Store) Get(ctx context.Context, id string) (*Object, error) {
	obj, err := s.meta(ctx, id)
	if err != nil {
		metrics.ObjectOps.WithLabelValues("get", "error").Inc()
		return nil, err
	}

	out := &Object{ObjectMeta: obj.ObjectMeta}
	switch obj.Storage {
	case model.StorageInline:
		out.Payload = string(obj.InlinePayload)
	case model.StorageChunked:
		payload, err := s.reassemble(ctx, obj)
		if err != nil {
			metrics.ObjectOps.WithLabelValues("get", "error").Inc()
			return nil, err
		}
		out.Payload = payload
	default:
		metrics.ObjectOps.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("%w: %s has unknown storage %q", ErrCorrupt, id, obj.Storage)
	}

	metrics.ObjectOps.WithLabelValues("get", "ok").Inc()
	return out, nil
}

// Meta returns the metadata of object id without reading its chunks.
func (s *Store) Meta(ctx context.Context, id string) (*model.ObjectMeta, error) {
	obj, err := s.meta(ctx, id)
	if err != nil {
		return nil, err
	}
	return &obj.ObjectMeta, nil
}

func (s *Store) meta(ctx context.Context, id string) (*model.StoredObject, error) {
	var obj model.StoredObject
	if err := s.db.Get(ctx, store.ObjectKey(id), &obj); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %w", ErrStorage, id, err)
	}
	return &obj, nil
}

func (s *Store) reassemble(ctx context.Context, obj *model.StoredObject) (string, error) {
	var chunks []model.Chunk
	_, err := s.db.Query(ctx, store.Query{
		Partition: store.ObjectPartition(obj.ID),
		Prefix:    store.ChunkPrefix,
	}, &chunks)
	if err != nil {
		return "", fmt.Errorf("%w: chunks of %s: %w", ErrStorage, obj.ID, err)
	}
	if len(chunks) != obj.ChunkCount {
		s.logger.Error("chunk count mismatch",
			slog.String("object_id", obj.ID),
			slog.Int("expected", obj.ChunkCount),
			slog.Int("found", len(chunks)),
		)
		return "", fmt.Errorf("%w: %s has %d of %d chunks", ErrCorrupt, obj.ID, len(chunks), obj.ChunkCount)
	}

	var b strings.Builder
	b.Grow(obj.ByteSize)
	for i, c := range chunks {
		if c.Index != i {
			return "", fmt.Errorf("%w: %s chunk %d found at position %d", ErrCorrupt, obj.ID, c.Index, i)
		}
		b.Write(c.Data)
	}
	if b.Len() != obj.ByteSize {
		return "", fmt.Errorf("%w: %s reassembled to %d bytes, expected %d", ErrCorrupt, obj.ID, b.Len(), obj.ByteSize)
	}
	return b.String(), nil
}

// Delete removes the object and all its chunks in one atomic batch.
// Deleting an absent object is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	obj, err := s.meta(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		metrics.ObjectOps.WithLabelValues("delete", "error").Inc()
		return err
	}

	ops := make([]store.Op, 0, obj.ChunkCount+1)
	ops = append(ops, store.DeleteOp(store.ObjectKey(id)))
	for i := 0; i < obj.ChunkCount; i++ {
		ops = append(ops, store.DeleteOp(store.ChunkKey(id, i)))
	}
	if err := s.db.Write(ctx, ops...); err != nil {
		metrics.ObjectOps.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("%w: delete %s: %w", ErrStorage, id, err)
	}

	metrics.ObjectOps.WithLabelValues("delete", "ok").Inc()
	s.logger.Info("object deleted", slog.String("object_id", id), slog.Int("chunks", obj.ChunkCount))
	return nil
}

// List returns the metadata of ownerID's objects, newest first.
func (s *Store) List(ctx context.Context, ownerID string, limit int, cursor string) ([]model.ObjectMeta, string, error) {
	var metas []model.ObjectMeta
	next, err := s.db.Query(ctx, store.Query{
		Index:     store.IndexByGroup,
		Partition: store.OwnerPartition(ownerID),
		Desc:      true,
		Limit:     limit,
		Cursor:    cursor,
	}, &metas)
	if err != nil {
		if errors.Is(err, store.ErrBadCursor) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: list %s: %w", ErrStorage, ownerID, err)
	}
	return metas, next, nil
}

// UpdateMetadata changes display metadata of an object. The payload is
// never touched.
func (s *Store) UpdateMetadata(ctx context.Context, id string, upd MetadataUpdate) (*model.ObjectMeta, error) {
	fields := make(map[string]any)
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if name == "" {
			return nil, fmt.Errorf("%w: display name is empty", ErrInvalidMetadata)
		}
		fields["displayName"] = name
	}
	if upd.LinkedEntities != nil {
		fields["linkedEntities"] = *upd.LinkedEntities
	}

	var meta model.ObjectMeta
	err := s.db.RunTx(ctx, func(ctx context.Context, tx store.Txn) error {
		if err := tx.Get(ctx, store.ObjectKey(id), &meta); err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		if name, ok := fields["displayName"].(string); ok {
			meta.DisplayName = name
		}
		if upd.LinkedEntities != nil {
			meta.LinkedEntities = *upd.LinkedEntities
		}
		tx.Merge(store.ObjectKey(id), fields)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: update %s: %w", ErrStorage, id, err)
	}
	return &meta, nil
}
