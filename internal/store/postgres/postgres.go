// Package postgres implements store.Store on a single PostgreSQL table that
// mirrors the DynamoDB layout: (pk, sk) primary key, an optional gsi1 key
// and the document body as JSONB.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jun/polygraf/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connect opens a connection pool and pings the server.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.String("database", poolCfg.ConnConfig.Database),
	)
	return pool, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("failed to initialise migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme the migrate
// driver registers under.
func migrateURL(dsn string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, scheme) {
			return "pgx5://" + strings.TrimPrefix(dsn, scheme)
		}
	}
	return dsn
}

// DB is the subset of *pgxpool.Pool used by Store.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	db       DB
	attempts int
	maxBatch int
}

// Option configures a Store.
type Option func(*Store)

// WithTxAttempts overrides how often a conflicting transaction is tried.
func WithTxAttempts(n int) Option {
	return func(s *Store) { s.attempts = n }
}

// WithMaxBatchSize imposes a batch ceiling. PostgreSQL has none of its own.
func WithMaxBatchSize(n int) Option {
	return func(s *Store) { s.maxBatch = n }
}

// New creates a Store on db.
func New(db DB, opts ...Option) *Store {
	s := &Store{db: db, attempts: store.DefaultTxAttempts}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

// MaxBatchBytes is zero: a PostgreSQL transaction has no aggregate size limit.
func (s *Store) MaxBatchBytes() int {
	return 0
}

func (s *Store) Get(ctx context.Context, key store.Key, out any) error {
	var doc []byte
	err := s.db.QueryRow(ctx,
		`SELECT doc FROM documents WHERE pk = $1 AND sk = $2`,
		key.PK, key.SK,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to get %s/%s: %w", key.PK, key.SK, err)
	}
	if err := json.Unmarshal(doc, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", key.PK, key.SK, err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q store.Query, out any) (string, error) {
	last, err := store.DecodeCursor(q.Cursor)
	if err != nil {
		return "", err
	}

	partCol, sortCol := store.AttrPK, store.AttrSK
	if q.Index != "" {
		partCol, sortCol = store.AttrIndexPK, store.AttrIndexSK
	}
	dir, cmp := "ASC", ">"
	if q.Desc {
		dir, cmp = "DESC", "<"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT pk, sk, coalesce(gsi1sk, ''), doc FROM documents WHERE %s = $1 AND starts_with(%s, $2)`, partCol, sortCol)
	args := []any{q.Partition, q.Prefix}
	if last != nil {
		pivotSort := last[store.AttrSK]
		if q.Index != "" {
			pivotSort = last[store.AttrIndexSK]
		}
		fmt.Fprintf(&sb, ` AND (%s, pk, sk) %s ($3, $4, $5)`, sortCol, cmp)
		args = append(args, pivotSort, last[store.AttrPK], last[store.AttrSK])
	}
	fmt.Fprintf(&sb, ` ORDER BY %s %s, pk %s, sk %s`, sortCol, dir, dir, dir)
	if q.Limit > 0 {
		// One extra row tells whether another page exists.
		fmt.Fprintf(&sb, ` LIMIT %d`, q.Limit+1)
	}

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", q.Partition, err)
	}
	defer rows.Close()

	type row struct {
		pk, sk, indexSK string
		doc             json.RawMessage
	}
	var found []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.pk, &r.sk, &r.indexSK, &r.doc); err != nil {
			return "", fmt.Errorf("failed to scan %s: %w", q.Partition, err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to query %s: %w", q.Partition, err)
	}

	next := ""
	if q.Limit > 0 && len(found) > q.Limit {
		found = found[:q.Limit]
		tail := found[len(found)-1]
		cursor := map[string]string{store.AttrPK: tail.pk, store.AttrSK: tail.sk}
		if q.Index != "" {
			cursor[store.AttrIndexSK] = tail.indexSK
		}
		next = store.EncodeCursor(cursor)
	}

	docs := make([]json.RawMessage, 0, len(found))
	for _, r := range found {
		docs = append(docs, r.doc)
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return "", fmt.Errorf("failed to unmarshal %s: %w", q.Partition, err)
	}
	return next, nil
}

func (s *Store) Write(ctx context.Context, ops ...store.Op) error {
	if len(ops) == 0 {
		return nil
	}
	if s.maxBatch > 0 && len(ops) > s.maxBatch {
		return fmt.Errorf("%w: %d documents, limit %d", store.ErrBatchTooLarge, len(ops), s.maxBatch)
	}

	return s.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		for _, op := range ops {
			switch {
			case op.Put != nil:
				doc, err := encodeDoc(op.Put.Value, nil)
				if err != nil {
					return err
				}
				if err := insert(ctx, tx, *op.Put, doc); err != nil {
					return err
				}
			case op.Delete != nil:
				if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE pk = $1 AND sk = $2`, op.Delete.PK, op.Delete.SK); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx store.Txn) error) error {
	return store.Retry(ctx, s.attempts, func(ctx context.Context) error {
		return s.inTx(ctx, pgx.Serializable, func(pgTx pgx.Tx) error {
			t := &txn{tx: pgTx, reads: make(map[store.Key]bool)}
			if err := fn(ctx, t); err != nil {
				return err
			}
			return t.commit(ctx)
		})
	})
}

func (s *Store) inTx(ctx context.Context, level pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: level})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(tx); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError reports serialization failures, deadlocks and duplicate keys as
// store.ErrConflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func insert(ctx context.Context, tx pgx.Tx, item store.Item, doc []byte) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO documents (pk, sk, gsi1pk, gsi1sk, doc)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (pk, sk) DO NOTHING`,
		item.Key.PK, item.Key.SK, nullable(item.Index.PK), nullable(item.Index.SK), doc,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s already exists", store.ErrConflict, item.Key.PK, item.Key.SK)
	}
	return nil
}

func upsert(ctx context.Context, tx pgx.Tx, item store.Item, doc []byte) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO documents (pk, sk, gsi1pk, gsi1sk, doc)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (pk, sk) DO UPDATE
		 SET gsi1pk = EXCLUDED.gsi1pk, gsi1sk = EXCLUDED.gsi1sk,
		     doc = EXCLUDED.doc, ver = documents.ver + 1`,
		item.Key.PK, item.Key.SK, nullable(item.Index.PK), nullable(item.Index.SK), doc,
	)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// encodeDoc renders value as a JSON object with fields layered over it.
func encodeDoc(value any, fields map[string]any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	if len(fields) == 0 {
		return raw, nil
	}
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("document is not an object: %w", err)
	}
	for k, v := range fields {
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal field %s: %w", k, err)
		}
		doc[k] = enc
	}
	return json.Marshal(doc)
}

type txn struct {
	tx     pgx.Tx
	reads  map[store.Key]bool
	writes store.WriteSet
}

func (t *txn) Get(ctx context.Context, key store.Key, out any) error {
	t.reads[key] = true
	var doc []byte
	err := t.tx.QueryRow(ctx,
		`SELECT doc FROM documents WHERE pk = $1 AND sk = $2`,
		key.PK, key.SK,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to get %s/%s: %w", key.PK, key.SK, mapError(err))
	}
	if err := json.Unmarshal(doc, out); err != nil {
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

func (t *txn) commit(ctx context.Context) error {
	for _, w := range t.writes.Writes() {
		switch w.Kind {
		case store.WriteDelete:
			if _, err := t.tx.Exec(ctx, `DELETE FROM documents WHERE pk = $1 AND sk = $2`, w.Key.PK, w.Key.SK); err != nil {
				return err
			}
		case store.WritePut:
			doc, err := encodeDoc(w.Item.Value, w.Fields)
			if err != nil {
				return err
			}
			// Replacing is only allowed for documents this transaction read.
			if t.reads[w.Key] {
				err = upsert(ctx, t.tx, w.Item, doc)
			} else {
				err = insert(ctx, t.tx, w.Item, doc)
			}
			if err != nil {
				return err
			}
		case store.WriteMerge:
			fields, err := json.Marshal(w.Fields)
			if err != nil {
				return fmt.Errorf("failed to marshal fields: %w", err)
			}
			_, err = t.tx.Exec(ctx,
				`INSERT INTO documents (pk, sk, doc)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (pk, sk) DO UPDATE
				 SET doc = documents.doc || EXCLUDED.doc, ver = documents.ver + 1`,
				w.Key.PK, w.Key.SK, fields,
			)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
