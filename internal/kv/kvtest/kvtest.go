// Package kvtest holds the behaviour every kv.Store backend must share.
// Backend packages call Run from their own tests.
package kvtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Harness describes the backend under test.
type Harness struct {
	// New returns an empty store. Stores are closed by the suite.
	New func(t *testing.T) kv.Store
	// Expiry is the shortest TTL the backend honours. Zero skips the
	// expiry test.
	Expiry time.Duration
	// Pair returns two handles on one empty bucket. Nil skips the tests
	// that need a second client.
	Pair func(t *testing.T) (kv.Store, kv.Store)
}

// Compiler is a MapCompiler for the two sources used by the suite.
type Compiler struct{}

const (
	// ChildrenMap emits parent -> child for keys of the form "parent/child".
	ChildrenMap = "children"
	// FlaggedMap emits every top-level key whose document has "flag": true.
	FlaggedMap = "flagged"
)

func (Compiler) Compile(source string) (*kv.CompiledView, error) {
	switch source {
	case ChildrenMap:
		return &kv.CompiledView{
			Map: func(id string, _ json.RawMessage, emit kv.Emit) {
				for i := 0; i < len(id); i++ {
					if id[i] == '/' {
						v, _ := json.Marshal(id[i+1:])
						emit(id[:i], v)
						return
					}
				}
			},
		}, nil
	case FlaggedMap:
		return &kv.CompiledView{
			Map: func(id string, doc json.RawMessage, emit kv.Emit) {
				var v struct {
					Flag bool `json:"flag"`
				}
				if json.Unmarshal(doc, &v) == nil && v.Flag {
					emit(id, json.RawMessage("null"))
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", kv.ErrUnknownMap, source)
}

func design() *kv.DesignDoc {
	return &kv.DesignDoc{Views: map[string]kv.View{
		"children": {Map: ChildrenMap},
		"flagged":  {Map: FlaggedMap},
	}}
}

// Run executes the conformance suite.
func Run(t *testing.T, h Harness) {
	open := func(t *testing.T) kv.Store {
		t.Helper()
		s := h.New(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := open(t).Get(ctx, "nope")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("AddThenGet", func(t *testing.T) {
		s := open(t)
		cas, err := s.Add(ctx, "a", []byte(`{"x":1}`), time.Hour)
		require.NoError(t, err)
		assert.NotZero(t, cas)

		doc, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a", doc.Key)
		assert.JSONEq(t, `{"x":1}`, string(doc.Value))
		assert.Equal(t, cas, doc.CAS)
	})

	t.Run("AddExisting", func(t *testing.T) {
		s := open(t)
		_, err := s.Add(ctx, "a", []byte(`{"x":1}`), time.Hour)
		require.NoError(t, err)

		_, err = s.Add(ctx, "a", []byte(`{"x":2}`), time.Hour)
		assert.ErrorIs(t, err, kv.ErrKeyExists)

		doc, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"x":1}`, string(doc.Value))
	})

	t.Run("ConcurrentAddOneWinner", func(t *testing.T) {
		s := open(t)
		const n = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Add(ctx, "contended", []byte(fmt.Sprintf(`{"i":%d}`, i)), time.Hour)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, kv.ErrKeyExists)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ReplaceWithCAS", func(t *testing.T) {
		s := open(t)
		cas, err := s.Add(ctx, "a", []byte(`{"v":1}`), time.Hour)
		require.NoError(t, err)

		next, err := s.Replace(ctx, "a", []byte(`{"v":2}`), cas, time.Hour)
		require.NoError(t, err)
		assert.NotEqual(t, cas, next)

		_, err = s.Replace(ctx, "a", []byte(`{"v":3}`), cas, time.Hour)
		assert.ErrorIs(t, err, kv.ErrCASMismatch)

		doc, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(doc.Value))
		assert.Equal(t, next, doc.CAS)
	})

	t.Run("ReplaceMissing", func(t *testing.T) {
		_, err := open(t).Replace(ctx, "nope", []byte(`{}`), 1, time.Hour)
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("DesignRoundTrip", func(t *testing.T) {
		s := open(t)
		_, err := s.GetDesign(ctx, "d")
		assert.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, s.PutDesign(ctx, "d", design()))
		got, err := s.GetDesign(ctx, "d")
		require.NoError(t, err)
		assert.True(t, got.Equal(design()))

		replaced := &kv.DesignDoc{Views: map[string]kv.View{"children": {Map: ChildrenMap}}}
		require.NoError(t, s.PutDesign(ctx, "d", replaced))
		got, err = s.GetDesign(ctx, "d")
		require.NoError(t, err)
		assert.True(t, got.Equal(replaced))
	})

	t.Run("DesignsAreNotDocuments", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.PutDesign(ctx, "d", design()))
		_, err := s.Get(ctx, "d")
		assert.ErrorIs(t, err, kv.ErrNotFound)
		for row, err := range s.Query(ctx, kv.ViewQuery{Design: "d", View: "flagged"}) {
			require.NoError(t, err)
			t.Fatalf("unexpected row %+v", row)
		}
	})

	t.Run("QueryByKey", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.PutDesign(ctx, "d", design()))
		for _, k := range []string{"p1", "p1/a", "p1/b", "p10/c", "p2/d"} {
			_, err := s.Add(ctx, k, []byte(fmt.Sprintf(`{"k":%q}`, k)), time.Hour)
			require.NoError(t, err)
		}

		var children []string
		for row, err := range s.Query(ctx, kv.ViewQuery{Design: "d", View: "children", Key: "p1", IncludeDocs: true}) {
			require.NoError(t, err)
			assert.Equal(t, "p1", row.Key)
			var child string
			require.NoError(t, json.Unmarshal(row.Value, &child))
			assert.JSONEq(t, fmt.Sprintf(`{"k":%q}`, row.ID), string(row.Doc))
			children = append(children, child)
		}
		sort.Strings(children)
		assert.Equal(t, []string{"a", "b"}, children)
	})

	t.Run("QueryAll", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.PutDesign(ctx, "d", design()))
		_, err := s.Add(ctx, "on", []byte(`{"flag":true}`), time.Hour)
		require.NoError(t, err)
		_, err = s.Add(ctx, "off", []byte(`{"flag":false}`), time.Hour)
		require.NoError(t, err)

		var keys []string
		for row, err := range s.Query(ctx, kv.ViewQuery{Design: "d", View: "flagged"}) {
			require.NoError(t, err)
			assert.Nil(t, row.Doc)
			keys = append(keys, row.Key)
		}
		assert.Equal(t, []string{"on"}, keys)
	})

	t.Run("QueryUnknownView", func(t *testing.T) {
		s := open(t)
		var errs []error
		for _, err := range s.Query(ctx, kv.ViewQuery{Design: "missing", View: "v"}) {
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], kv.ErrUnknownView)
	})

	t.Run("QueryUnknownMap", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.PutDesign(ctx, "d", &kv.DesignDoc{Views: map[string]kv.View{"v": {Map: "function () {}"}}}))
		var errs []error
		for _, err := range s.Query(ctx, kv.ViewQuery{Design: "d", View: "v"}) {
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], kv.ErrUnknownMap)
	})

	t.Run("QueryReflectsReplace", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.PutDesign(ctx, "d", design()))
		cas, err := s.Add(ctx, "job", []byte(`{"flag":true}`), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []string{"job"}, viewKeys(t, s, "flagged"))

		cas, err = s.Replace(ctx, "job", []byte(`{"flag":false}`), cas, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, viewKeys(t, s, "flagged"))

		_, err = s.Replace(ctx, "job", []byte(`{"flag":true,"n":2}`), cas, time.Hour)
		require.NoError(t, err)
		rows := queryRows(t, s, kv.ViewQuery{Design: "d", View: "flagged", IncludeDocs: true})
		require.Len(t, rows, 1)
		assert.Equal(t, "job", rows[0].ID)
		assert.JSONEq(t, `{"flag":true,"n":2}`, string(rows[0].Doc))
	})

	t.Run("QueryOrdersByKeyThenID", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.PutDesign(ctx, "d", design()))
		for _, k := range []string{"a-b/x", "a/z", "a/y", "ab/w"} {
			_, err := s.Add(ctx, k, []byte(`{}`), time.Hour)
			require.NoError(t, err)
		}

		var got []string
		for _, r := range queryRows(t, s, kv.ViewQuery{Design: "d", View: "children"}) {
			got = append(got, r.Key+" "+r.ID)
		}
		assert.Equal(t, []string{"a a/y", "a a/z", "a-b a-b/x", "ab ab/w"}, got)
	})

	t.Run("DesignAfterDocuments", func(t *testing.T) {
		s := open(t)
		for _, k := range []string{"p/a", "p/b", "q/c"} {
			_, err := s.Add(ctx, k, []byte(`{}`), time.Hour)
			require.NoError(t, err)
		}
		require.NoError(t, s.PutDesign(ctx, "d", design()))

		var ids []string
		for _, r := range queryRows(t, s, kv.ViewQuery{Design: "d", View: "children", Key: "p"}) {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"p/a", "p/b"}, ids)
	})

	t.Run("ReplaceDesignReindexes", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.PutDesign(ctx, "d", &kv.DesignDoc{Views: map[string]kv.View{"children": {Map: ChildrenMap}}}))
		_, err := s.Add(ctx, "on", []byte(`{"flag":true}`), time.Hour)
		require.NoError(t, err)
		_, err = s.Add(ctx, "p/on", []byte(`{"flag":true}`), time.Hour)
		require.NoError(t, err)

		// The old design has no flagged view.
		var errs []error
		for _, err := range s.Query(ctx, kv.ViewQuery{Design: "d", View: "flagged"}) {
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], kv.ErrUnknownView)

		require.NoError(t, s.PutDesign(ctx, "d", &kv.DesignDoc{Views: map[string]kv.View{"flagged": {Map: FlaggedMap}}}))
		assert.Equal(t, []string{"on", "p/on"}, viewKeys(t, s, "flagged"))

		_, err = s.Add(ctx, "later", []byte(`{"flag":true}`), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []string{"later", "on", "p/on"}, viewKeys(t, s, "flagged"))
	})

	t.Run("DesignFromOtherClient", func(t *testing.T) {
		if h.Pair == nil {
			t.Skip("backend has no second client")
		}
		a, b := h.Pair(t)
		t.Cleanup(func() {
			_ = a.Close()
			_ = b.Close()
		})
		require.NoError(t, a.PutDesign(ctx, "d", &kv.DesignDoc{Views: map[string]kv.View{"children": {Map: ChildrenMap}}}))
		_, err := a.Add(ctx, "first", []byte(`{"flag":true}`), time.Hour)
		require.NoError(t, err)

		require.NoError(t, b.PutDesign(ctx, "d", design()))

		// a still holds the designs it read before b changed them.
		_, err = a.Add(ctx, "second", []byte(`{"flag":true}`), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, viewKeys(t, b, "flagged"))
		assert.Equal(t, []string{"first", "second"}, viewKeys(t, a, "flagged"))
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, open(t).Ping(ctx))
	})

	t.Run("Expiry", func(t *testing.T) {
		if h.Expiry == 0 {
			t.Skip("backend expiry not exercised")
		}
		s := open(t)
		require.NoError(t, s.PutDesign(ctx, "d", design()))
		_, err := s.Add(ctx, "short", []byte(`{"flag":true}`), h.Expiry)
		require.NoError(t, err)
		_, err = s.Add(ctx, "long", []byte(`{"flag":true}`), time.Hour)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, err := s.Get(ctx, "short")
			return err != nil
		}, h.Expiry+10*time.Second, 250*time.Millisecond)

		_, err = s.Get(ctx, "short")
		assert.ErrorIs(t, err, kv.ErrNotFound)

		// An expired key can be reserved again.
		_, err = s.Add(ctx, "short", []byte(`{}`), time.Hour)
		require.NoError(t, err)

		var keys []string
		for row, err := range s.Query(ctx, kv.ViewQuery{Design: "d", View: "flagged"}) {
			require.NoError(t, err)
			keys = append(keys, row.Key)
		}
		assert.Equal(t, []string{"long"}, keys)
	})
}

func queryRows(t *testing.T, s kv.Store, q kv.ViewQuery) []kv.ViewRow {
	t.Helper()
	var rows []kv.ViewRow
	for row, err := range s.Query(context.Background(), q) {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows
}

// viewKeys returns the keys of design "d" view in query order.
func viewKeys(t *testing.T, s kv.Store, view string) []string {
	t.Helper()
	var keys []string
	for _, row := range queryRows(t, s, kv.ViewQuery{Design: "d", View: view}) {
		keys = append(keys, row.Key)
	}
	return keys
}
