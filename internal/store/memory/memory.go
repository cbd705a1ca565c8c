// Package memory is an in-process store.Store used by tests and DEV_MODE.
// It keeps DynamoDB-shaped items so documents decode exactly as they would
// from the real table, and enforces the same optimistic transaction rules.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/polygraf/internal/store"
)

// The defaults mirror the DynamoDB TransactWriteItems limits so code
// exercised against memory hits the same ceilings as production.
const (
	DefaultMaxBatchSize  = 100
	DefaultMaxBatchBytes = 4 << 20
)

type record struct {
	item map[string]types.AttributeValue
	ver  int64
}

// Store implements store.Store on a mutex-guarded map.
type Store struct {
	mu   sync.RWMutex
	docs map[store.Key]*record
	// clock holds the last version written per key and survives deletes,
	// so a recreated document never repeats a version a reader saw.
	clock    map[store.Key]int64
	maxBatch int
	maxBytes int
	attempts int
	failNext error
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBatchSize overrides the batch ceiling. Zero disables it.
func WithMaxBatchSize(n int) Option {
	return func(s *Store) { s.maxBatch = n }
}

// WithMaxBatchBytes overrides the batch size ceiling in bytes. Zero
// disables it.
func WithMaxBatchBytes(n int) Option {
	return func(s *Store) { s.maxBytes = n }
}

// WithTxAttempts overrides how often a conflicting transaction is tried.
func WithTxAttempts(n int) Option {
	return func(s *Store) { s.attempts = n }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:     make(map[store.Key]*record),
		clock:    make(map[store.Key]int64),
		maxBatch: DefaultMaxBatchSize,
		maxBytes: DefaultMaxBatchBytes,
		attempts: store.DefaultTxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNextWrite makes the next batch or transaction commit fail with err
// without applying anything, as if the request never reached the table.
func (s *Store) FailNextWrite(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// Len reports how many documents are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

func (s *Store) MaxBatchBytes() int {
	return s.maxBytes
}

func (s *Store) checkBytes(size int) error {
	if s.maxBytes > 0 && size > s.maxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", store.ErrBatchTooLarge, size, s.maxBytes)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key store.Key, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	rec, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(rec.item, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", key.PK, key.SK, err)
	}
	return nil
}

type entry struct {
	key  store.Key
	sort string
	item map[string]types.AttributeValue
}

func (s *Store) Query(ctx context.Context, q store.Query, out any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	last, err := store.DecodeCursor(q.Cursor)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	var matches []entry
	for key, rec := range s.docs {
		var partition, sortKey string
		if q.Index == "" {
			partition, sortKey = key.PK, key.SK
		} else {
			partition = store.StringAttr(rec.item, store.AttrIndexPK)
			sortKey = store.StringAttr(rec.item, store.AttrIndexSK)
		}
		if partition != q.Partition || !strings.HasPrefix(sortKey, q.Prefix) {
			continue
		}
		matches = append(matches, entry{key: key, sort: sortKey, item: rec.item})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if q.Desc {
			return before(matches[j], matches[i])
		}
		return before(matches[i], matches[j])
	})

	if last != nil {
		pivot := entry{
			key:  store.Key{PK: last[store.AttrPK], SK: last[store.AttrSK]},
			sort: last[store.AttrSK],
		}
		if q.Index != "" {
			pivot.sort = last[store.AttrIndexSK]
		}
		start := sort.Search(len(matches), func(i int) bool {
			if q.Desc {
				return before(matches[i], pivot)
			}
			return before(pivot, matches[i])
		})
		matches = matches[start:]
	}

	next := ""
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
		tail := matches[len(matches)-1]
		cursor := map[string]string{store.AttrPK: tail.key.PK, store.AttrSK: tail.key.SK}
		if q.Index != "" {
			cursor[store.AttrIndexSK] = tail.sort
		}
		next = store.EncodeCursor(cursor)
	}

	items := make([]map[string]types.AttributeValue, 0, len(matches))
	for _, m := range matches {
		items = append(items, m.item)
	}
	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return "", fmt.Errorf("failed to unmarshal %s: %w", q.Partition, err)
	}
	return next, nil
}

// before orders entries by sort key, then by primary key for index ties.
func before(a, b entry) bool {
	if a.sort != b.sort {
		return a.sort < b.sort
	}
	if a.key.PK != b.key.PK {
		return a.key.PK < b.key.PK
	}
	return a.key.SK < b.key.SK
}

type encodedOp struct {
	key  store.Key
	item map[string]types.AttributeValue
}

func (s *Store) Write(ctx context.Context, ops ...store.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.maxBatch > 0 && len(ops) > s.maxBatch {
		return fmt.Errorf("%w: %d documents, limit %d", store.ErrBatchTooLarge, len(ops), s.maxBatch)
	}

	encoded := make([]encodedOp, 0, len(ops))
	size := 0
	for _, op := range ops {
		switch {
		case op.Put != nil:
			item, err := store.MarshalItem(*op.Put)
			if err != nil {
				return err
			}
			size += store.ItemSize(item)
			encoded = append(encoded, encodedOp{key: op.Put.Key, item: item})
		case op.Delete != nil:
			size += store.ItemSize(store.KeyAttrs(*op.Delete))
			encoded = append(encoded, encodedOp{key: *op.Delete})
		}
	}
	if err := s.checkBytes(size); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	for _, op := range encoded {
		if _, exists := s.docs[op.key]; op.item != nil && exists {
			return fmt.Errorf("%w: %s/%s already exists", store.ErrConflict, op.key.PK, op.key.SK)
		}
	}
	for _, op := range encoded {
		if op.item == nil {
			delete(s.docs, op.key)
			continue
		}
		s.save(op.key, op.item)
	}
	return nil
}

func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx store.Txn) error) error {
	return store.Retry(ctx, s.attempts, func(ctx context.Context) error {
		tx := &txn{s: s, reads: make(map[store.Key]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return s.commit(ctx, tx)
	})
}

func (s *Store) commit(ctx context.Context, tx *txn) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	type pending struct {
		w      *store.Write
		item   map[string]types.AttributeValue
		fields map[string]types.AttributeValue
	}
	writes := tx.writes.Writes()
	prepared := make([]pending, 0, len(writes))
	size := 0
	for _, w := range writes {
		p := pending{w: w}
		var err error
		if w.Kind == store.WritePut {
			if p.item, err = store.MarshalItem(w.Item); err != nil {
				return err
			}
		}
		if len(w.Fields) > 0 {
			if p.fields, err = store.MarshalFields(w.Fields); err != nil {
				return err
			}
		}
		size += store.ItemSize(store.KeyAttrs(w.Key)) + store.ItemSize(p.item) + store.ItemSize(p.fields)
		prepared = append(prepared, p)
	}
	if err := s.checkBytes(size); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	for key, seen := range tx.reads {
		if s.version(key) != seen {
			return fmt.Errorf("%w: %s/%s changed", store.ErrConflict, key.PK, key.SK)
		}
	}
	for _, p := range prepared {
		if _, read := tx.reads[p.w.Key]; p.w.Kind == store.WritePut && !read {
			if _, exists := s.docs[p.w.Key]; exists {
				return fmt.Errorf("%w: %s/%s already exists", store.ErrConflict, p.w.Key.PK, p.w.Key.SK)
			}
		}
	}

	for _, p := range prepared {
		key := p.w.Key
		switch p.w.Kind {
		case store.WriteDelete:
			delete(s.docs, key)
		case store.WritePut, store.WriteMerge:
			item := p.item
			if p.w.Kind == store.WriteMerge {
				item = s.cloneOrNew(key)
			}
			for k, v := range p.fields {
				item[k] = v
			}
			s.save(key, item)
		}
	}
	return nil
}

// version returns the current version of key, 0 when absent. Callers hold s.mu.
func (s *Store) version(key store.Key) int64 {
	if rec, ok := s.docs[key]; ok {
		return rec.ver
	}
	return 0
}

// save writes item under the next version of key. Callers hold s.mu.
func (s *Store) save(key store.Key, item map[string]types.AttributeValue) {
	s.clock[key]++
	s.docs[key] = &record{item: item, ver: s.clock[key]}
}

func (s *Store) cloneOrNew(key store.Key) map[string]types.AttributeValue {
	item := store.KeyAttrs(key)
	if rec, ok := s.docs[key]; ok {
		for k, v := range rec.item {
			item[k] = v
		}
	}
	return item
}

func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

type txn struct {
	s      *Store
	reads  map[store.Key]int64
	writes store.WriteSet
}

func (t *txn) Get(ctx context.Context, key store.Key, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.s.mu.RLock()
	rec, ok := t.s.docs[key]
	var ver int64
	if ok {
		ver = rec.ver
	}
	t.s.mu.RUnlock()

	if _, seen := t.reads[key]; !seen {
		t.reads[key] = ver
	}
	if !ok {
		return store.ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(rec.item, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", key.PK, key.SK, err)
	}
	return nil
}

func (t *txn) Put(item store.Item) {
	t.writes.Put(item)
}

func (t *txn) Merge(key store.Key, fields map[string]any) {
	t.writes.Merge(key, fields)
}

func (t *txn) Delete(key store.Key) {
	t.writes.Delete(key)
}
