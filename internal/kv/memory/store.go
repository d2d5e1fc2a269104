// Package memory is an in-process kv.Store. Safe for concurrent use.
// Intended for unit tests and single-node development.
package memory

import (
	"context"
	"encoding/json"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/jobcache/internal/kv"
)

var _ kv.Store = (*Store)(nil)

type entry struct {
	value     []byte
	cas       uint64
	ttl       time.Duration
	expiresAt time.Time
	rows      []kv.IndexRow
}

type viewID struct{ design, view string }

// indexed is one view row; cas pins it to the document write that emitted it.
type indexed struct {
	value json.RawMessage
	cas   uint64
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides time.Now, used to exercise expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps documents, design documents and view rows in maps. View
// rows are updated on every write and rebuilt when a design is put.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]*entry
	designs  map[string][]byte
	views    map[string][]kv.IndexedView
	index    map[viewID]map[string]map[string]indexed // view -> key -> doc key
	nextCAS  uint64
	compiler kv.MapCompiler
	now      func() time.Time
}

// New returns an empty Store. compiler resolves view map functions.
func New(compiler kv.MapCompiler, opts ...Option) *Store {
	s := &Store{
		docs:     make(map[string]*entry),
		designs:  make(map[string][]byte),
		views:    make(map[string][]kv.IndexedView),
		index:    make(map[viewID]map[string]map[string]indexed),
		compiler: compiler,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) live(key string) (*entry, bool) {
	e, ok := s.docs[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		return nil, false
	}
	return e, true
}

func (s *Store) put(key string, value []byte, ttl time.Duration) uint64 {
	if old, ok := s.docs[key]; ok {
		s.unindex(key, old.rows)
	}

	s.nextCAS++
	e := &entry{
		value: append([]byte(nil), value...),
		cas:   s.nextCAS,
		ttl:   ttl,
	}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	names := make([]string, 0, len(s.views))
	for name := range s.views {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e.rows = append(e.rows, kv.EmitRows(s.views[name], key, e.value)...)
	}
	s.addRows(key, e.cas, e.rows)

	s.docs[key] = e
	return e.cas
}

func (s *Store) addRows(key string, cas uint64, rows []kv.IndexRow) {
	for _, r := range rows {
		id := viewID{r.Design, r.View}
		byKey, ok := s.index[id]
		if !ok {
			byKey = make(map[string]map[string]indexed)
			s.index[id] = byKey
		}
		docs, ok := byKey[r.Key]
		if !ok {
			docs = make(map[string]indexed)
			byKey[r.Key] = docs
		}
		docs[key] = indexed{value: r.Value, cas: cas}
	}
}

func (s *Store) unindex(key string, rows []kv.IndexRow) {
	for _, r := range rows {
		byKey := s.index[viewID{r.Design, r.View}]
		docs := byKey[r.Key]
		delete(docs, key)
		if len(docs) == 0 {
			delete(byKey, r.Key)
		}
	}
}

func (s *Store) Get(_ context.Context, key string) (*kv.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return &kv.Document{Key: key, Value: append(json.RawMessage(nil), e.value...), CAS: e.cas}, nil
}

func (s *Store) Add(_ context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return 0, kv.ErrKeyExists
	}
	return s.put(key, value, ttl), nil
}

func (s *Store) Replace(_ context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return 0, kv.ErrNotFound
	}
	if e.cas != cas {
		return 0, kv.ErrCASMismatch
	}
	return s.put(key, value, ttl), nil
}

func (s *Store) GetDesign(_ context.Context, name string) (*kv.DesignDoc, error) {
	s.mu.RLock()
	raw, ok := s.designs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, kv.ErrNotFound
	}
	var doc kv.DesignDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// PutDesign stores doc and rebuilds the rows of its views from the live
// documents.
func (s *Store) PutDesign(_ context.Context, name string, doc *kv.DesignDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	views := kv.CompileDesign(name, doc, s.compiler)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.designs[name] = raw
	s.views[name] = views

	for id := range s.index {
		if id.design == name {
			delete(s.index, id)
		}
	}
	for key, e := range s.docs {
		kept := e.rows[:0]
		for _, r := range e.rows {
			if r.Design != name {
				kept = append(kept, r)
			}
		}
		e.rows = kept
		if _, ok := s.live(key); !ok {
			continue
		}
		rows := kv.EmitRows(views, key, e.value)
		e.rows = append(e.rows, rows...)
		s.addRows(key, e.cas, rows)
	}
	return nil
}

// Query snapshots the matching rows so callers can write to the store
// while iterating.
func (s *Store) Query(ctx context.Context, q kv.ViewQuery) iter.Seq2[kv.ViewRow, error] {
	return func(yield func(kv.ViewRow, error) bool) {
		design, err := s.GetDesign(ctx, q.Design)
		if err := kv.ResolveView(q, design, err, s.compiler); err != nil {
			yield(kv.ViewRow{}, err)
			return
		}
		for _, row := range s.rows(q) {
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (s *Store) rows(q kv.ViewQuery) []kv.ViewRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := s.index[viewID{q.Design, q.View}]
	var keys []string
	if q.Key != "" {
		keys = []string{q.Key}
	} else {
		for key := range byKey {
			keys = append(keys, key)
		}
		sort.Strings(keys)
	}

	var out []kv.ViewRow
	for _, key := range keys {
		docs := byKey[key]
		ids := make([]string, 0, len(docs))
		for id := range docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			e, ok := s.live(id)
			if !ok || e.cas != docs[id].cas {
				continue
			}
			row := kv.ViewRow{ID: id, Key: key, Value: docs[id].value}
			if q.IncludeDocs {
				row.Doc = append(json.RawMessage(nil), e.value...)
			}
			out = append(out, row)
		}
	}
	return out
}

// TTL returns the ttl of the last write to key.
func (s *Store) TTL(key string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[key]
	if !ok {
		return 0, false
	}
	return e.ttl, true
}

// Len returns the number of live documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key := range s.docs {
		if _, ok := s.live(key); ok {
			n++
		}
	}
	return n
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
