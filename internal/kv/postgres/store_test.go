package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/kv/kvtest"
	"github.com/kiranshivaraju/jobcache/internal/kv/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB spins up a Postgres container, runs migrations, and returns
// the connection string.
func setupTestDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("jobcache_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, postgres.RunMigrations(connStr))
	return connStr
}

func open(t *testing.T, connStr, bucket string) *postgres.Store {
	t.Helper()
	s, err := postgres.New(context.Background(), postgres.Config{URL: connStr, Bucket: bucket}, kvtest.Compiler{})
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	connStr := setupTestDB(t)

	n := 0
	kvtest.Run(t, kvtest.Harness{
		New: func(t *testing.T) kv.Store {
			n++
			return open(t, connStr, fmt.Sprintf("test%d", n))
		},
		Expiry: 500 * time.Millisecond,
		Pair: func(t *testing.T) (kv.Store, kv.Store) {
			n++
			bucket := fmt.Sprintf("test%d", n)
			return open(t, connStr, bucket), open(t, connStr, bucket)
		},
	})
}

func TestRunMigrations_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	connStr := setupTestDB(t)
	assert.NoError(t, postgres.RunMigrations(connStr))
}

func TestPurge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	connStr := setupTestDB(t)
	ctx := context.Background()

	s := open(t, connStr, "salt")
	t.Cleanup(func() { _ = s.Close() })
	other := open(t, connStr, "other")
	t.Cleanup(func() { _ = other.Close() })

	_, err := s.Add(ctx, "gone", []byte(`{}`), 100*time.Millisecond)
	require.NoError(t, err)
	_, err = s.Add(ctx, "kept", []byte(`{}`), time.Hour)
	require.NoError(t, err)
	_, err = other.Add(ctx, "gone", []byte(`{}`), 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "kept")
	assert.NoError(t, err)

	// Other buckets are purged by their own store.
	n, err = other.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueryPagesPastLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := open(t, setupTestDB(t), "paging")
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.PutDesign(ctx, "d", &kv.DesignDoc{Views: map[string]kv.View{"children": {Map: kvtest.ChildrenMap}}}))
	const total = 1200
	for i := 0; i < total; i++ {
		_, err := s.Add(ctx, fmt.Sprintf("job/m%04d", i), []byte(`{}`), time.Hour)
		require.NoError(t, err)
	}

	count := 0
	for _, err := range s.Query(ctx, kv.ViewQuery{Design: "d", View: "children", Key: "job"}) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, total, count)
}

func TestPurgeDropsViewRows(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	connStr := setupTestDB(t)
	ctx := context.Background()

	s := open(t, connStr, "salt")
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.PutDesign(ctx, "d", &kv.DesignDoc{Views: map[string]kv.View{"flagged": {Map: kvtest.FlaggedMap}}}))
	_, err := s.Add(ctx, "gone", []byte(`{"flag":true}`), 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	_, err = s.Purge(ctx)
	require.NoError(t, err)

	pool, err := postgres.Connect(ctx, postgres.Config{URL: connStr})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM view_rows WHERE bucket = 'salt'`).Scan(&n))
	assert.Zero(t, n)
}
