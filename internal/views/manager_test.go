package views_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/kv/memory"
	"github.com/kiranshivaraju/jobcache/internal/views"
)

// countingStore counts design writes and can fail them.
type countingStore struct {
	*memory.Store
	puts    int
	failPut error
}

func (s *countingStore) PutDesign(ctx context.Context, name string, doc *kv.DesignDoc) error {
	s.puts++
	if s.failPut != nil {
		return s.failPut
	}
	return s.Store.PutDesign(ctx, name, doc)
}

func newStore() *countingStore {
	return &countingStore{Store: memory.New(views.Compiler{})}
}

func TestEnsure_CreatesMissingDesign(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	m := views.NewManager(s)

	assert.False(t, m.Verified())
	require.NoError(t, m.Ensure(ctx))
	assert.True(t, m.Verified())
	assert.Equal(t, 1, s.puts)

	got, err := s.GetDesign(ctx, views.DesignName)
	require.NoError(t, err)
	assert.True(t, got.Equal(views.Expected()))
}

func TestEnsure_ChecksOncePerProcess(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	m := views.NewManager(s)

	require.NoError(t, m.Ensure(ctx))
	require.NoError(t, m.Ensure(ctx))
	assert.Equal(t, 1, s.puts)
}

func TestEnsure_MatchingDesignIsNotRewritten(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	require.NoError(t, s.Store.PutDesign(ctx, views.DesignName, views.Expected()))

	require.NoError(t, views.NewManager(s).Ensure(ctx))
	assert.Equal(t, 0, s.puts)
}

func TestEnsure_RepairsDrift(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	drifted := views.Expected()
	drifted.Views[views.JobsView] = kv.View{Map: "function (doc, meta) { emit(meta.id) }"}
	require.NoError(t, s.Store.PutDesign(ctx, views.DesignName, drifted))

	require.NoError(t, views.NewManager(s).Ensure(ctx))
	assert.Equal(t, 1, s.puts)

	got, err := s.GetDesign(ctx, views.DesignName)
	require.NoError(t, err)
	assert.True(t, got.Equal(views.Expected()))
}

func TestEnsure_RepairsReduceDrift(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	drifted := views.Expected()
	jobs := drifted.Views[views.JobsView]
	jobs.Reduce = "_count"
	drifted.Views[views.JobsView] = jobs
	require.NoError(t, s.Store.PutDesign(ctx, views.DesignName, drifted))

	require.NoError(t, views.NewManager(s).Ensure(ctx))
	assert.Equal(t, 1, s.puts)

	got, err := s.GetDesign(ctx, views.DesignName)
	require.NoError(t, err)
	assert.Empty(t, got.Views[views.JobsView].Reduce)
}

func TestEnsure_FailureLeavesUnverified(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	s.failPut = errors.New("bucket read-only")
	m := views.NewManager(s)

	err := m.Ensure(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket read-only")
	assert.False(t, m.Verified())

	s.failPut = nil
	require.NoError(t, m.Ensure(ctx))
	assert.True(t, m.Verified())
}

func TestEnsure_SkipVerifyNeverTouchesStore(t *testing.T) {
	s := newStore()
	m := views.NewManager(s, views.WithSkipVerify(true))

	require.NoError(t, m.Ensure(context.Background()))
	assert.True(t, m.Verified())
	assert.Equal(t, 0, s.puts)

	_, err := s.GetDesign(context.Background(), views.DesignName)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestReset_ForcesRecheck(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	m := views.NewManager(s)
	require.NoError(t, m.Ensure(ctx))

	// Someone else drops the views behind our back.
	drifted := &kv.DesignDoc{Views: map[string]kv.View{}}
	require.NoError(t, s.Store.PutDesign(ctx, views.DesignName, drifted))

	m.Reset()
	assert.False(t, m.Verified())
	require.NoError(t, m.Ensure(ctx))
	assert.Equal(t, 2, s.puts)
}
