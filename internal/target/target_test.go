package target_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/jobcache/internal/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var roster = target.StaticRoster{"web2", "web1", "db1", "cache-a", "web1"}

func TestCheckMinions_Glob(t *testing.T) {
	m := target.NewMatcher(roster)

	got, err := m.CheckMinions(context.Background(), "web*", "glob")
	require.NoError(t, err)
	assert.Equal(t, []string{"web1", "web2"}, got)

	got, err = m.CheckMinions(context.Background(), "*", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache-a", "db1", "web1", "web2"}, got)
}

func TestCheckMinions_GlobNoMatchIsEmpty(t *testing.T) {
	m := target.NewMatcher(roster)
	got, err := m.CheckMinions(context.Background(), "mail*", "glob")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCheckMinions_BadGlob(t *testing.T) {
	m := target.NewMatcher(roster)
	_, err := m.CheckMinions(context.Background(), "web[", "glob")
	assert.Error(t, err)
}

func TestCheckMinions_PCREAnchoredAtStart(t *testing.T) {
	m := target.NewMatcher(roster)

	got, err := m.CheckMinions(context.Background(), `web\d`, "pcre")
	require.NoError(t, err)
	assert.Equal(t, []string{"web1", "web2"}, got)

	got, err = m.CheckMinions(context.Background(), `\d`, "pcre")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCheckMinions_List(t *testing.T) {
	m := target.NewMatcher(roster)

	got, err := m.CheckMinions(context.Background(), "db1, web2,unknown", "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "web2"}, got)

	got, err = m.CheckMinions(context.Background(), []any{"cache-a"}, "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache-a"}, got)

	_, err = m.CheckMinions(context.Background(), []any{1}, "list")
	assert.Error(t, err)
}

func TestCheckMinions_UnsupportedType(t *testing.T) {
	m := target.NewMatcher(roster)
	_, err := m.CheckMinions(context.Background(), "os:Ubuntu", "grain")
	assert.ErrorIs(t, err, target.ErrUnsupportedType)
}

func TestDirRoster(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"minion1", "minion2", ".hidden"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("key"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))

	ids, err := target.DirRoster(dir).Minions(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"minion1", "minion2"}, ids)
}

func TestDirRoster_Missing(t *testing.T) {
	_, err := target.DirRoster(filepath.Join(t.TempDir(), "nope")).Minions(context.Background())
	assert.Error(t, err)
}
