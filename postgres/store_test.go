// postgres/store_test.go
package postgres

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ViniZap4/lumi-ideas/domain"
	"github.com/ViniZap4/lumi-ideas/store"
	"github.com/ViniZap4/lumi-ideas/store/storetest"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		code string
		want error
	}{
		{"unique", pgerrcode.UniqueViolation, errKeyCollision},
		{"privilege", pgerrcode.InsufficientPrivilege, errPermission},
		{"disk full", pgerrcode.DiskFull, errQuota},
		{"connection", pgerrcode.ConnectionFailure, errUnavailable},
		{"shutdown", pgerrcode.AdminShutdown, errUnavailable},
		{"out of memory", pgerrcode.OutOfMemory, errUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(&pgconn.PgError{Code: tt.code, Message: "boom"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	plain := errors.New("plain")
	assert.Same(t, plain, classify(plain))

	syntax := &pgconn.PgError{Code: pgerrcode.SyntaxError}
	assert.Equal(t, error(syntax), classify(syntax))
}

func TestWriteErrorWrapsClassified(t *testing.T) {
	err := writeError("create", "notes/u", &pgconn.PgError{Code: pgerrcode.InsufficientPrivilege})
	var swe *domain.StoreWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, "create", swe.Op)
	assert.ErrorIs(t, err, errPermission)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/lumi", migrateURL("postgres://u:p@localhost:5432/lumi"))
	assert.Equal(t, "pgx5://localhost/lumi", migrateURL("postgresql://localhost/lumi"))
	assert.Equal(t, "pgx5://localhost/lumi", migrateURL("pgx5://localhost/lumi"))
}

func TestEncodeDropsStamps(t *testing.T) {
	raw, err := encode(store.Document{
		store.FieldTitle:     "t",
		store.FieldCreatedAt: int64(1),
		store.FieldUpdatedAt: int64(2),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"t"}`, string(raw))
}

func TestMigrationsEmbedded(t *testing.T) {
	up, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	down, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, up)
	assert.Len(t, down, len(up))
}

// TestStoreContract runs against a real database when LUMI_TEST_DATABASE_URL is set.
func TestStoreContract(t *testing.T) {
	url := os.Getenv("LUMI_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LUMI_TEST_DATABASE_URL not set")
	}
	require.NoError(t, Migrate(url))

	storetest.Run(t, func(t *testing.T) store.RecordStore {
		s, err := Open(context.Background(), url, zerolog.Nop())
		require.NoError(t, err)
		_, err = s.pool.Exec(context.Background(), `TRUNCATE documents`)
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}

func TestUpdateSQLNeverMovesUpdatedAtBack(t *testing.T) {
	assert.Contains(t, updateSQL, "GREATEST(updated_at, clock_timestamp())")
	assert.NotContains(t, updateSQL, "now()")
	assert.True(t, strings.HasPrefix(updateSQL, "UPDATE documents"))
}

func TestConcurrentUpdatesKeepUpdatedAtMonotonic(t *testing.T) {
	url := os.Getenv("LUMI_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LUMI_TEST_DATABASE_URL not set")
	}
	require.NoError(t, Migrate(url))
	ctx := context.Background()
	s, err := Open(ctx, url, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	_, err = s.pool.Exec(ctx, `TRUNCATE documents`)
	require.NoError(t, err)

	coll := store.CollectionPath("u1")
	id, err := s.Create(ctx, coll, store.Document{store.FieldTitle: "t"})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		stamp []int64
	)
	unsub, err := s.Subscribe(coll, func(snap store.Snapshot) {
		if doc, ok := snap.Docs[id]; ok {
			mu.Lock()
			stamp = append(stamp, doc[store.FieldUpdatedAt].(int64))
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Update(ctx, store.RecordPath("u1", id), store.Document{store.FieldBody: "b"}))
		}()
	}
	wg.Wait()

	var final time.Time
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT updated_at FROM documents WHERE key = $1`, id).Scan(&final))
	last := store.Millis(final)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamp) > 0 && stamp[len(stamp)-1] == last
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(stamp); i++ {
		assert.GreaterOrEqual(t, stamp[i], stamp[i-1])
	}
}
