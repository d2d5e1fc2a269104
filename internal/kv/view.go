package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Emit receives one row produced by a map function.
type Emit func(key string, value json.RawMessage)

// MapFunc is the compiled form of a view's map function. id is the
// document key and doc its JSON body.
type MapFunc func(id string, doc json.RawMessage, emit Emit)

// CompiledView is an executable view.
type CompiledView struct {
	Map MapFunc
}

// MapCompiler turns map-function source text, as stored in a design
// document, into an executable view. Unknown sources yield ErrUnknownMap.
type MapCompiler interface {
	Compile(source string) (*CompiledView, error)
}

// IndexedView is a compiled view that backends apply to every document
// they write.
type IndexedView struct {
	Design string
	View   string
	Map    MapFunc
}

// IndexRow is one row a view emitted for a document.
type IndexRow struct {
	Design string
	View   string
	Key    string
	Value  json.RawMessage
}

// CompileDesign compiles the views of d in name order. Views whose source
// the compiler does not know are left out: they index nothing, and Query
// on them fails through ResolveView.
func CompileDesign(name string, d *DesignDoc, c MapCompiler) []IndexedView {
	names := make([]string, 0, len(d.Views))
	for view := range d.Views {
		names = append(names, view)
	}
	sort.Strings(names)

	out := make([]IndexedView, 0, len(names))
	for _, view := range names {
		cv, err := c.Compile(d.Views[view].Map)
		if err != nil {
			continue
		}
		out = append(out, IndexedView{Design: name, View: view, Map: cv.Map})
	}
	return out
}

// EmitRows runs views over one document. A document contributes at most
// one row per view key; a repeated key keeps the last value emitted.
func EmitRows(views []IndexedView, id string, doc json.RawMessage) []IndexRow {
	rows := []IndexRow{}
	for _, v := range views {
		at := map[string]int{}
		v.Map(id, doc, func(key string, value json.RawMessage) {
			if value == nil {
				value = json.RawMessage("null")
			}
			row := IndexRow{Design: v.Design, View: v.View, Key: key, Value: append(json.RawMessage(nil), value...)}
			if i, ok := at[key]; ok {
				rows[i] = row
				return
			}
			at[key] = len(rows)
			rows = append(rows, row)
		})
	}
	return rows
}

// ResolveView checks that q names a view that can be read. design and err
// are the result of loading q.Design.
func ResolveView(q ViewQuery, design *DesignDoc, err error, c MapCompiler) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: design %q", ErrUnknownView, q.Design)
	}
	if err != nil {
		return fmt.Errorf("load design %q: %w", q.Design, err)
	}
	def, ok := design.Views[q.View]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownView, q.Design, q.View)
	}
	if _, err := c.Compile(def.Map); err != nil {
		return fmt.Errorf("compile view %s/%s: %w", q.Design, q.View, err)
	}
	return nil
}
