package kv_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/kv/kvtest"
)

func testDesign() *kv.DesignDoc {
	return &kv.DesignDoc{Views: map[string]kv.View{
		"children": {Map: kvtest.ChildrenMap},
		"flagged":  {Map: kvtest.FlaggedMap},
	}}
}

func TestCompileDesign(t *testing.T) {
	d := testDesign()
	d.Views["broken"] = kv.View{Map: "function (doc) {}"}

	views := kv.CompileDesign("d", d, kvtest.Compiler{})
	require.Len(t, views, 2)
	assert.Equal(t, "children", views[0].View)
	assert.Equal(t, "flagged", views[1].View)
	for _, v := range views {
		assert.Equal(t, "d", v.Design)
		assert.NotNil(t, v.Map)
	}
}

func TestEmitRows(t *testing.T) {
	views := kv.CompileDesign("d", testDesign(), kvtest.Compiler{})

	tests := []struct {
		name string
		id   string
		doc  string
		want []kv.IndexRow
	}{
		{
			name: "child and flag",
			id:   "p/c",
			doc:  `{"flag":true}`,
			want: []kv.IndexRow{
				{Design: "d", View: "children", Key: "p", Value: json.RawMessage(`"c"`)},
				{Design: "d", View: "flagged", Key: "p/c", Value: json.RawMessage(`null`)},
			},
		},
		{
			name: "top level unflagged",
			id:   "p",
			doc:  `{"flag":false}`,
			want: []kv.IndexRow{},
		},
		{
			name: "invalid body",
			id:   "p",
			doc:  `not json`,
			want: []kv.IndexRow{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, kv.EmitRows(views, tt.id, json.RawMessage(tt.doc)))
		})
	}
}

func TestEmitRows_RepeatedKeyKeepsLast(t *testing.T) {
	views := []kv.IndexedView{{
		Design: "d",
		View:   "v",
		Map: func(_ string, _ json.RawMessage, emit kv.Emit) {
			emit("k", json.RawMessage(`1`))
			emit("other", nil)
			emit("k", json.RawMessage(`2`))
		},
	}}

	rows := kv.EmitRows(views, "doc", nil)
	require.Len(t, rows, 2)
	assert.Equal(t, "k", rows[0].Key)
	assert.JSONEq(t, `2`, string(rows[0].Value))
	assert.Equal(t, "other", rows[1].Key)
	assert.Equal(t, json.RawMessage("null"), rows[1].Value)
}

func TestEmitRows_CopiesValues(t *testing.T) {
	buf := json.RawMessage(`"a"`)
	views := []kv.IndexedView{{
		Design: "d",
		View:   "v",
		Map:    func(_ string, _ json.RawMessage, emit kv.Emit) { emit("k", buf) },
	}}

	rows := kv.EmitRows(views, "doc", nil)
	buf[1] = 'b'
	assert.JSONEq(t, `"a"`, string(rows[0].Value))
}

func TestResolveView(t *testing.T) {
	broken := testDesign()
	broken.Views["broken"] = kv.View{Map: "function (doc) {}"}
	failure := errors.New("connection reset")

	tests := []struct {
		name    string
		view    string
		design  *kv.DesignDoc
		err     error
		wantErr error
	}{
		{name: "known view", view: "flagged", design: testDesign()},
		{name: "missing design", view: "flagged", err: kv.ErrNotFound, wantErr: kv.ErrUnknownView},
		{name: "missing view", view: "nope", design: testDesign(), wantErr: kv.ErrUnknownView},
		{name: "unknown map", view: "broken", design: broken, wantErr: kv.ErrUnknownMap},
		{name: "load failure", view: "flagged", err: failure, wantErr: failure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := kv.ResolveView(kv.ViewQuery{Design: "d", View: tt.view}, tt.design, tt.err, kvtest.Compiler{})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDesignDoc_Equal(t *testing.T) {
	assert.True(t, testDesign().Equal(testDesign()))
	assert.True(t, (*kv.DesignDoc)(nil).Equal(nil))
	assert.False(t, testDesign().Equal(nil))

	changed := testDesign()
	changed.Views["children"] = kv.View{Map: kvtest.FlaggedMap}
	assert.False(t, testDesign().Equal(changed))

	fewer := testDesign()
	delete(fewer.Views, "flagged")
	assert.False(t, testDesign().Equal(fewer))

	reduced := testDesign()
	reduced.Views["flagged"] = kv.View{Map: kvtest.FlaggedMap, Reduce: "_count"}
	assert.False(t, testDesign().Equal(reduced))
	assert.False(t, reduced.Equal(testDesign()))
}

func TestView_ReduceOmittedWhenEmpty(t *testing.T) {
	raw, err := json.Marshal(kv.View{Map: "m"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"map":"m"}`, string(raw))

	raw, err = json.Marshal(kv.View{Map: "m", Reduce: "_count"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"map":"m","reduce":"_count"}`, string(raw))
}
