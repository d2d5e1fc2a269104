// Package kv defines the document-store contract used by the job cache.
// Backends live in sub-packages (memory, redis, etcd, postgres) and all
// implement Store.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrKeyExists   = errors.New("document already exists")
	ErrCASMismatch = errors.New("cas mismatch")
	ErrUnknownView = errors.New("view not defined")
	ErrUnknownMap  = errors.New("map function not supported")
)

// Document is a stored JSON value together with its version token.
type Document struct {
	Key   string
	Value json.RawMessage
	CAS   uint64
}

// View is the definition of a single secondary index. Reduce is kept so
// designs that carry one compare unequal to designs that do not; it is
// never evaluated.
type View struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

// DesignDoc groups named views, mirroring a map-reduce design document.
type DesignDoc struct {
	Views map[string]View `json:"views"`
}

// ViewQuery selects rows from a view. An empty Key returns every row.
// Rows come back ordered by key, then by document key.
type ViewQuery struct {
	Design      string
	View        string
	Key         string
	IncludeDocs bool
}

// ViewRow is one emitted row. Doc is set only when IncludeDocs was requested.
type ViewRow struct {
	ID    string
	Key   string
	Value json.RawMessage
	Doc   json.RawMessage
}

// Store is the narrow contract the job cache needs from the database.
// Implementations must be safe for concurrent use; atomicity of Add and
// Replace is the only concurrency guarantee callers rely on.
type Store interface {
	// Get returns the live document stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (*Document, error)
	// Add stores value only if key is absent. Returns ErrKeyExists otherwise.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)
	// Replace overwrites key only if its current CAS equals cas.
	// Returns ErrNotFound or ErrCASMismatch.
	Replace(ctx context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error)

	GetDesign(ctx context.Context, name string) (*DesignDoc, error)
	PutDesign(ctx context.Context, name string, doc *DesignDoc) error

	// Query lazily reads a view. Views are maintained as documents are
	// written, so a query never evaluates map functions over the bucket.
	// Iteration stops at the first error.
	Query(ctx context.Context, q ViewQuery) iter.Seq2[ViewRow, error]

	Ping(ctx context.Context) error
	Close() error
}

// Equal reports whether two design documents define the same views with
// textually identical map and reduce functions.
func (d *DesignDoc) Equal(other *DesignDoc) bool {
	if d == nil || other == nil {
		return d == other
	}
	if len(d.Views) != len(other.Views) {
		return false
	}
	for name, v := range d.Views {
		ov, ok := other.Views[name]
		if !ok || ov != v {
			return false
		}
	}
	return true
}
