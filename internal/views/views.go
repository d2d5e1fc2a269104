// Package views owns the secondary indexes the job cache reads through:
// the design document definition, its Go compilation, and the per-process
// verification state.
package views

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/jobcache/internal/kv"
)

const (
	// DesignName is the design document holding both views.
	DesignName = "couchbase_returner"

	// JobsView emits every job id whose document carries a load.
	JobsView = "jids"
	// ReturnsView emits jid -> minion id for every per-minion result.
	ReturnsView = "jid_returns"

	jobsMap    = "function (doc, meta) { if (meta.id.indexOf('/') === -1 && doc.load){ emit(meta.id, null) } }"
	returnsMap = "function (doc, meta) { if (meta.id.indexOf('/') > -1){ key_parts = meta.id.split('/'); emit(key_parts[0], key_parts[1]); } }"
)

// Expected returns the design document the job cache requires.
func Expected() *kv.DesignDoc {
	return &kv.DesignDoc{Views: map[string]kv.View{
		JobsView:    {Map: jobsMap},
		ReturnsView: {Map: returnsMap},
	}}
}

// Compiler resolves the map sources of Expected into Go views.
type Compiler struct{}

var _ kv.MapCompiler = Compiler{}

func (Compiler) Compile(source string) (*kv.CompiledView, error) {
	switch source {
	case jobsMap:
		return &kv.CompiledView{Map: mapJobs}, nil
	case returnsMap:
		return &kv.CompiledView{Map: mapReturns}, nil
	default:
		return nil, fmt.Errorf("%w: %.60q", kv.ErrUnknownMap, source)
	}
}

var jsonNull = json.RawMessage("null")

func mapJobs(id string, doc json.RawMessage, emit kv.Emit) {
	if strings.Contains(id, "/") {
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return
	}
	if truthy(fields["load"]) {
		emit(id, jsonNull)
	}
}

func mapReturns(id string, _ json.RawMessage, emit kv.Emit) {
	parts := strings.Split(id, "/")
	if len(parts) < 2 {
		return
	}
	value, _ := json.Marshal(parts[1])
	emit(parts[0], value)
}

// truthy follows JavaScript truthiness for a raw JSON value.
func truthy(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", "0", `""`, "-0":
		return false
	}
	var f float64
	if json.Unmarshal(v, &f) == nil {
		return f != 0
	}
	return true
}
