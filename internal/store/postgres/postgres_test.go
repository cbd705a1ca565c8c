package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jun/polygraf/internal/store"
)

// setupStore starts PostgreSQL in a container and applies migrations.
func setupStore(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		tcpostgres.WithDatabase("polygraf_test"),
		tcpostgres.WithUsername("polygraf"),
		tcpostgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to stop container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if err := Migrate(dsn, logger); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	pool, err := Connect(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(pool.Close)

	return New(pool, WithTxAttempts(50))
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Data  []byte `json:"data,omitempty"`
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db", migrateURL("postgres://u:p@h:5432/db"))
	assert.Equal(t, "pgx5://u:p@h/db", migrateURL("postgresql://u:p@h/db"))
	assert.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}

func TestEncodeDoc_LayersFields(t *testing.T) {
	raw, err := encodeDoc(doc{Name: "a", Count: 1}, map[string]any{"count": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a","count":2}`, string(raw))
}

func TestStore_GetWriteQuery(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	payload := []byte{0x00, 0xff, 0x10}
	err := s.Write(ctx,
		store.CreateOp(store.Item{Key: store.Key{PK: "OBJECT#x", SK: "META"}, Value: doc{Name: "meta"}}),
		store.CreateOp(store.Item{Key: store.Key{PK: "OBJECT#x", SK: "CHUNK#00000001"}, Value: doc{Name: "c1"}}),
		store.CreateOp(store.Item{Key: store.Key{PK: "OBJECT#x", SK: "CHUNK#00000000"}, Value: doc{Name: "c0", Data: payload}}),
	)
	require.NoError(t, err)

	var got doc
	require.NoError(t, s.Get(ctx, store.Key{PK: "OBJECT#x", SK: "CHUNK#00000000"}, &got))
	assert.Equal(t, payload, got.Data)

	var chunks []doc
	_, err = s.Query(ctx, store.Query{Partition: "OBJECT#x", Prefix: store.ChunkPrefix}, &chunks)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c0", chunks[0].Name)

	// A second create of an existing key fails without writing anything.
	err = s.Write(ctx,
		store.CreateOp(store.Item{Key: store.Key{PK: "OBJECT#y", SK: "META"}, Value: doc{}}),
		store.CreateOp(store.Item{Key: store.Key{PK: "OBJECT#x", SK: "META"}, Value: doc{}}),
	)
	require.ErrorIs(t, err, store.ErrConflict)
	assert.ErrorIs(t, s.Get(ctx, store.Key{PK: "OBJECT#y", SK: "META"}, &got), store.ErrNotFound)
}

func TestStore_QueryIndexPages(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		item := store.Item{
			Key:   store.Key{PK: fmt.Sprintf("TOKEN#%d", i), SK: "TOKEN"},
			Index: store.Key{PK: "TOKENS", SK: fmt.Sprintf("2026-%02d", i)},
			Value: doc{Count: i},
		}
		require.NoError(t, s.Write(ctx, store.CreateOp(item)))
	}

	var all []doc
	cursor := ""
	for {
		var page []doc
		next, err := s.Query(ctx, store.Query{Index: store.IndexByGroup, Partition: "TOKENS", Desc: true, Limit: 2, Cursor: cursor}, &page)
		require.NoError(t, err)
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	require.Len(t, all, 5)
	assert.Equal(t, 4, all[0].Count)
	assert.Equal(t, 0, all[4].Count)
}

func TestStore_RunTx_ConcurrentIncrements(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	key := store.Key{PK: "A", SK: "1"}
	require.NoError(t, s.Write(ctx, store.CreateOp(store.Item{Key: key, Value: doc{}})))

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTx(ctx, func(ctx context.Context, tx store.Txn) error {
				var d doc
				if err := tx.Get(ctx, key, &d); err != nil {
					return err
				}
				tx.Merge(key, map[string]any{"count": d.Count + 1})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var got doc
	require.NoError(t, s.Get(ctx, key, &got))
	assert.Equal(t, workers, got.Count)
}
