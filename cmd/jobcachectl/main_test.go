package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/jobcache/internal/config"
	"github.com/kiranshivaraju/jobcache/internal/jobcache"
	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/kv/memory"
	"github.com/kiranshivaraju/jobcache/internal/views"
	"github.com/kiranshivaraju/jobcache/pkg/models"
)

// seededStore holds one job with a load and a return from minion1.
func seededStore(t *testing.T) (kv.Store, string) {
	t.Helper()
	ctx := context.Background()
	store := memory.New(views.Compiler{})
	cache, err := jobcache.New(store, views.NewManager(store), 24)
	require.NoError(t, err)

	jobID, err := cache.Allocate(ctx, false)
	require.NoError(t, err)
	require.NoError(t, cache.SaveLoad(ctx, jobID, models.Load{"fun": "test.ping", "tgt": "*"}))
	require.NoError(t, cache.Returner(ctx, models.Return{Jid: jobID, ID: "minion1", Return: json.RawMessage("true")}))
	return store, jobID
}

func TestParseFlags_OverridesEnvironment(t *testing.T) {
	cfg := &config.Config{Store: config.StoreConfig{Backend: "redis", Host: "salt", Port: 8091, Bucket: "salt"}}

	opts, rest, err := parseFlags([]string{"--backend", "etcd", "--port", "2379", "-o", "json", "jobs"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "etcd", opts.store.Backend)
	assert.Equal(t, 2379, opts.store.Port)
	assert.Equal(t, "salt", opts.store.Host)
	assert.Equal(t, "json", opts.format)
	assert.Equal(t, []string{"jobs"}, rest)
}

func TestParseFlags_RejectsUnknownFormat(t *testing.T) {
	_, _, err := parseFlags([]string{"--format", "xml"}, &config.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--format")
}

func TestExecute_Jobs(t *testing.T) {
	store, jobID := seededStore(t)
	var buf bytes.Buffer

	require.NoError(t, execute(context.Background(), store, &options{format: "yaml"}, []string{"jobs"}, &buf))

	var out map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	require.Contains(t, out, jobID)
	assert.Equal(t, "test.ping", out[jobID]["Function"])
	assert.Equal(t, "*", out[jobID]["Target"])
}

func TestExecute_Job(t *testing.T) {
	store, jobID := seededStore(t)
	var buf bytes.Buffer

	require.NoError(t, execute(context.Background(), store, &options{format: "json"}, []string{"job", jobID}, &buf))

	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, map[string]map[string]any{"minion1": {"return": true}}, out)
}

func TestExecute_LoadOfUnknownJobIsEmpty(t *testing.T) {
	store, _ := seededStore(t)
	var buf bytes.Buffer

	require.NoError(t, execute(context.Background(), store, &options{format: "json"},
		[]string{"load", "20000101000000000000"}, &buf))
	assert.JSONEq(t, `{}`, buf.String())
}

func TestExecute_VerifyViewsIgnoresSkip(t *testing.T) {
	store := memory.New(views.Compiler{})
	var buf bytes.Buffer

	require.NoError(t, execute(context.Background(), store, &options{format: "json", skip: true},
		[]string{"verify-views"}, &buf))

	var out viewsReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.True(t, out.Verified)
	assert.Equal(t, views.DesignName, out.Design)
	assert.Len(t, out.Views, len(views.Expected().Views))

	_, err := store.GetDesign(context.Background(), views.DesignName)
	assert.NoError(t, err)
}

func TestExecute_Usage(t *testing.T) {
	store := memory.New(views.Compiler{})
	for _, args := range [][]string{{"job"}, {"jobs", "extra"}, {"purge"}} {
		err := execute(context.Background(), store, &options{format: "yaml"}, args, &bytes.Buffer{})
		assert.ErrorIs(t, err, errUsage, "args %v", args)
	}
}

func TestRun_RequiresCommand(t *testing.T) {
	t.Setenv("JOBCACHE_STORE_BACKEND", "memory")

	err := run(context.Background(), nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, errUsage)
}
