package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kiranshivaraju/jobcache/internal/config"
	"github.com/kiranshivaraju/jobcache/internal/kv/memory"
	"github.com/kiranshivaraju/jobcache/internal/views"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, RateLimit: 600},
		Store:  config.StoreConfig{Backend: "memory", Bucket: "salt"},
		Jobs:   config.JobsConfig{KeepJobs: 24, PurgeInterval: time.Minute},
		Roster: config.RosterConfig{Minions: []string{"minion1", "minion2", "db1"}},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	h, _, err := newHandler(testConfig(), memory.New(views.Compiler{}), mp, reader)
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestServer_JobLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/jobs", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID := body["data"].(map[string]any)["jid"].(string)
	assert.Len(t, jobID, 20)

	resp, _ = do(t, http.MethodPut, srv.URL+"/api/v1/jobs/"+jobID+"/load",
		`{"fun":"test.ping","tgt":"minion*","tgt_type":"glob","arg":[]}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/returns",
		`{"jid":"`+jobID+`","id":"minion1","return":true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/returns",
		`{"jid":"`+jobID+`","id":"minion1","return":true}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_RETURN", body["error"].(map[string]any)["code"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"minion1": map[string]any{"return": true}}, body["data"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID+"/load", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	load := body["data"].(map[string]any)
	assert.Equal(t, "test.ping", load["fun"])
	assert.ElementsMatch(t, []any{"minion1", "minion2"}, load["Minions"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := body["data"].(map[string]any)
	require.Contains(t, jobs, jobID)
	assert.Equal(t, "test.ping", jobs[jobID].(map[string]any)["Function"])
}

func TestServer_HealthReportsVerifiedViews(t *testing.T) {
	srv := newTestServer(t)

	// Reads verify the views on first use.
	resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, true, data["views_verified"])
}

func TestServer_MetricsCountAllocations(t *testing.T) {
	srv := newTestServer(t)

	for range 3 {
		resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/jobs", `{"nocache":true}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["data"], "jobcache.jid.allocations")
}

func TestRun_FailsOnMissingConfig(t *testing.T) {
	t.Setenv("JOBCACHE_STORE_BACKEND", "memory")
	t.Setenv("JOBCACHE_KEEP_JOBS", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}

func TestRoster_PrefersDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web1"), nil, 0o600))

	got, err := roster(config.RosterConfig{MinionsDir: dir}).Minions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"web1"}, got)

	got, err = roster(config.RosterConfig{Minions: []string{"a", "b"}}).Minions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

type countingPurger struct{ calls atomic.Int32 }

func (p *countingPurger) Purge(context.Context) (int64, error) {
	p.calls.Add(1)
	return 0, nil
}

func TestPurgeLoop_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &countingPurger{}

	done := make(chan struct{})
	go func() {
		purgeLoop(ctx, p, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purge loop did not stop")
	}
}
