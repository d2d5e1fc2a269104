package redis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/kv/kvtest"
	"github.com/kiranshivaraju/jobcache/internal/kv/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns its URL.
func setupRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return "redis://" + host + ":" + port.Port()
}

func TestConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupRedis(t)

	// Each subtest gets its own bucket on the shared server.
	n := 0
	kvtest.Run(t, kvtest.Harness{
		New: func(t *testing.T) kv.Store {
			n++
			s, err := redis.New(redis.Config{URL: url, Bucket: fmt.Sprintf("test%d", n)}, kvtest.Compiler{})
			require.NoError(t, err)
			return s
		},
		Expiry: 500 * time.Millisecond,
		Pair: func(t *testing.T) (kv.Store, kv.Store) {
			n++
			cfg := redis.Config{URL: url, Bucket: fmt.Sprintf("test%d", n)}
			a, err := redis.New(cfg, kvtest.Compiler{})
			require.NoError(t, err)
			b, err := redis.New(cfg, kvtest.Compiler{})
			require.NoError(t, err)
			return a, b
		},
	})
}

func TestBucketWithGlobCharacters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupRedis(t)
	ctx := context.Background()

	odd, err := redis.New(redis.Config{URL: url, Bucket: "b*"}, kvtest.Compiler{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = odd.Close() })
	other, err := redis.New(redis.Config{URL: url, Bucket: "bx"}, kvtest.Compiler{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	design := &kv.DesignDoc{Views: map[string]kv.View{"flagged": {Map: kvtest.FlaggedMap}}}
	require.NoError(t, odd.PutDesign(ctx, "d", design))
	_, err = other.Add(ctx, "elsewhere", []byte(`{"flag":true}`), time.Hour)
	require.NoError(t, err)
	_, err = odd.Add(ctx, "mine", []byte(`{"flag":true}`), time.Hour)
	require.NoError(t, err)

	var keys []string
	for row, err := range odd.Query(ctx, kv.ViewQuery{Design: "d", View: "flagged"}) {
		require.NoError(t, err)
		keys = append(keys, row.Key)
	}
	assert.Equal(t, []string{"mine"}, keys)
}

func TestAddSetsExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupRedis(t)
	ctx := context.Background()

	s, err := redis.New(redis.Config{URL: url, Bucket: "salt"}, kvtest.Compiler{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Add(ctx, "20240101120000000001", []byte(`{"nocache":false}`), 24*time.Hour)
	require.NoError(t, err)

	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	raw := goredis.NewClient(opts)
	t.Cleanup(func() { _ = raw.Close() })

	ttl, err := raw.TTL(ctx, "{salt}:doc:20240101120000000001").Result()
	require.NoError(t, err)
	assert.InDelta(t, (24 * time.Hour).Seconds(), ttl.Seconds(), 5)
}

func TestQueryReadsIndexOnly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupRedis(t)
	ctx := context.Background()

	s, err := redis.New(redis.Config{URL: url, Bucket: "salt"}, kvtest.Compiler{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.PutDesign(ctx, "d", &kv.DesignDoc{Views: map[string]kv.View{"flagged": {Map: kvtest.FlaggedMap}}}))
	_, err = s.Add(ctx, "on", []byte(`{"flag":true}`), time.Hour)
	require.NoError(t, err)
	_, err = s.Add(ctx, "off", []byte(`{"flag":false}`), time.Hour)
	require.NoError(t, err)

	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	raw := goredis.NewClient(opts)
	t.Cleanup(func() { _ = raw.Close() })

	keys, err := raw.SMembers(ctx, "{salt}:viewkeys:1:d:flagged").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"on"}, keys)

	// A document that is not in the index is not returned.
	require.NoError(t, raw.HSet(ctx, "{salt}:doc:sneaky", "v", `{"flag":true}`, "cas", 99).Err())
	var got []string
	for row, err := range s.Query(ctx, kv.ViewQuery{Design: "d", View: "flagged"}) {
		require.NoError(t, err)
		got = append(got, row.Key)
	}
	assert.Equal(t, []string{"on"}, got)
}
