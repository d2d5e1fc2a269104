// Package redis is a kv.Store on Redis.
//
// Each document is a hash with fields v (JSON body), cas and idx under
// "{bucket}:doc:{key}". CAS tokens come from a per-bucket counter.
//
// Views are maintained on write. A row emitted by a view for a document is
// a field named after the document key in
// "{bucket}:view:{rev}:{design}:{view}:{key}", holding "{cas} {value}".
// "{bucket}:viewkeys:{rev}:{design}:{view}" lists the emitted keys. rev is
// the design generation at which the design was last put, so putting a
// design starts a fresh index. Rows whose cas no longer matches their
// document are stale and skipped by Query.
//
// The bucket is a hash tag so a bucket maps to one cluster slot and the Lua
// scripts stay single-slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/jobcache/internal/kv"
)

var _ kv.Store = (*Store)(nil)

// indexLua extends index keys to the ttl of the newest row. A zero ttl
// makes them persistent; a shorter ttl never shortens them.
const indexLua = `
local function extend(key, before, ttl)
  if ttl <= 0 then
    redis.call('PERSIST', key)
  elseif before == -2 or (before >= 0 and before < ttl) then
    redis.call('PEXPIRE', key, ttl)
  end
end
local function index(rows, cas, ttl)
  for _, r in ipairs(rows) do
    local before = redis.call('PTTL', r.h)
    redis.call('HSET', r.h, r.f, cas .. ' ' .. r.v)
    extend(r.h, before, ttl)
    before = redis.call('PTTL', r.s)
    redis.call('SADD', r.s, r.k)
    extend(r.s, before, ttl)
  end
end
`

// writeScript adds (ARGV[1] == "add") or replaces a document together with
// its view rows. KEYS: document, cas counter, design generation.
// ARGV: mode, value, ttl ms, expected cas, expected generation, rows.
// Returns the new cas, 0 when the key exists, -1 when missing, -2 on cas
// mismatch and -3 when the designs changed since the rows were computed.
var writeScript = goredis.NewScript(indexLua + `
if (redis.call('GET', KEYS[3]) or '0') ~= ARGV[5] then
  return -3
end
if ARGV[1] == 'add' then
  if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
  end
else
  local cur = redis.call('HGET', KEYS[1], 'cas')
  if not cur then
    return -1
  end
  if cur ~= ARGV[4] then
    return -2
  end
  local old = redis.call('HGET', KEYS[1], 'idx')
  if old then
    for _, r in ipairs(cjson.decode(old)) do
      redis.call('HDEL', r.h, r.f)
    end
  end
end
local ttl = tonumber(ARGV[3])
local cas = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'cas', cas, 'idx', ARGV[6])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
else
  redis.call('PERSIST', KEYS[1])
end
index(cjson.decode(ARGV[6]), cas, ttl)
return cas
`)

// reindexScript adds view rows for a document written before its design.
// KEYS: document. ARGV: cas the rows were computed from, rows.
var reindexScript = goredis.NewScript(indexLua + `
local cur = redis.call('HGET', KEYS[1], 'cas')
if cur ~= ARGV[1] then
  return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  ttl = 0
end
local rows = cjson.decode(ARGV[2])
local idx = cjson.decode(redis.call('HGET', KEYS[1], 'idx') or '[]')
for _, r in ipairs(rows) do
  table.insert(idx, r)
end
redis.call('HSET', KEYS[1], 'idx', cjson.encode(idx))
index(rows, cur, ttl)
return 1
`)

// putDesignScript stores a design and bumps the generation.
// KEYS: designs, design revisions, generation. ARGV: name, body.
var putDesignScript = goredis.NewScript(`
local gen = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], gen)
return gen
`)

const (
	scanCount = 200

	staleDesigns = -3
	// maxDesignReloads bounds retries of a write racing design changes.
	maxDesignReloads = 5
)

// Config holds connection settings. URL wins over Addr when both are set.
type Config struct {
	URL         string
	Addr        string
	Username    string
	Password    string
	Bucket      string
	DialTimeout time.Duration
}

// Store implements kv.Store using go-redis/v9.
type Store struct {
	client   *goredis.Client
	bucket   string
	compiler kv.MapCompiler

	mu      sync.Mutex
	designs *designSet
}

// designSet is the compiled view of every design at one generation.
type designSet struct {
	gen     string
	designs []compiledDesign
}

type compiledDesign struct {
	name  string
	rev   string
	views []kv.IndexedView
}

// indexEntry is one view row as the Lua scripts see it.
type indexEntry struct {
	Hash  string `json:"h"`
	Field string `json:"f"`
	Value string `json:"v"`
	Set   string `json:"s"`
	Key   string `json:"k"`
}

// New creates a Store from cfg. The connection is not checked; call Ping.
func New(cfg Config, compiler kv.MapCompiler) (*Store, error) {
	var opts *goredis.Options
	if cfg.URL != "" {
		var err error
		opts, err = goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	} else {
		opts = &goredis.Options{Addr: cfg.Addr}
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return NewFromClient(goredis.NewClient(opts), cfg.Bucket, compiler), nil
}

// NewFromClient wraps an existing client. The Store owns it after this call.
func NewFromClient(client *goredis.Client, bucket string, compiler kv.MapCompiler) *Store {
	return &Store{client: client, bucket: bucket, compiler: compiler}
}

func (s *Store) tag() string { return "{" + s.bucket + "}" }

func (s *Store) docPrefix() string { return s.tag() + ":doc:" }

func (s *Store) docKey(key string) string { return s.docPrefix() + key }

func (s *Store) casKey() string { return s.tag() + ":cas" }

func (s *Store) designsKey() string { return s.tag() + ":designs" }

func (s *Store) revsKey() string { return s.tag() + ":designrev" }

func (s *Store) genKey() string { return s.tag() + ":designgen" }

func (s *Store) viewKey(rev, design, view, key string) string {
	return s.tag() + ":view:" + rev + ":" + design + ":" + view + ":" + key
}

func (s *Store) viewKeysKey(rev, design, view string) string {
	return s.tag() + ":viewkeys:" + rev + ":" + design + ":" + view
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) (*kv.Document, error) {
	return s.get(ctx, s.docKey(key), key)
}

func (s *Store) get(ctx context.Context, redisKey, key string) (*kv.Document, error) {
	vals, err := s.client.HMGet(ctx, redisKey, "v", "cas").Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return parseDoc(key, vals)
}

func parseDoc(key string, vals []any) (*kv.Document, error) {
	body, ok := vals[0].(string)
	if !ok {
		return nil, kv.ErrNotFound
	}
	rawCAS, _ := vals[1].(string)
	cas, err := strconv.ParseUint(rawCAS, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("get %s: bad cas %q: %w", key, rawCAS, err)
	}
	return &kv.Document{Key: key, Value: json.RawMessage(body), CAS: cas}, nil
}

func (s *Store) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	res, err := s.write(ctx, "add", key, value, "", ttl)
	if err != nil {
		return 0, fmt.Errorf("add %s: %w", key, err)
	}
	if res == 0 {
		return 0, kv.ErrKeyExists
	}
	return uint64(res), nil
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error) {
	res, err := s.write(ctx, "replace", key, value, strconv.FormatUint(cas, 10), ttl)
	if err != nil {
		return 0, fmt.Errorf("replace %s: %w", key, err)
	}
	switch res {
	case -1:
		return 0, kv.ErrNotFound
	case -2:
		return 0, kv.ErrCASMismatch
	}
	return uint64(res), nil
}

// write runs writeScript with rows computed from the cached designs,
// reloading them when another client changed a design in between.
func (s *Store) write(ctx context.Context, mode, key string, value []byte, cas string, ttl time.Duration) (int64, error) {
	for attempt := 0; ; attempt++ {
		ds, err := s.loadDesigns(ctx)
		if err != nil {
			return 0, err
		}
		var entries []indexEntry
		for _, d := range ds.designs {
			entries = append(entries, s.entries(d, key, value)...)
		}
		rows, err := encodeEntries(entries)
		if err != nil {
			return 0, err
		}

		res, err := writeScript.Run(ctx, s.client,
			[]string{s.docKey(key), s.casKey(), s.genKey()},
			mode, value, ttl.Milliseconds(), cas, ds.gen, rows).Int64()
		if err != nil {
			return 0, err
		}
		if res != staleDesigns {
			return res, nil
		}
		s.forget(ds)
		if attempt == maxDesignReloads {
			return 0, errors.New("designs kept changing during write")
		}
	}
}

func (s *Store) entries(d compiledDesign, key string, value []byte) []indexEntry {
	rows := kv.EmitRows(d.views, key, value)
	out := make([]indexEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, indexEntry{
			Hash:  s.viewKey(d.rev, r.Design, r.View, r.Key),
			Field: key,
			Value: string(r.Value),
			Set:   s.viewKeysKey(d.rev, r.Design, r.View),
			Key:   r.Key,
		})
	}
	return out
}

func encodeEntries(entries []indexEntry) (string, error) {
	if entries == nil {
		entries = []indexEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode view rows: %w", err)
	}
	return string(raw), nil
}

// loadDesigns returns the cached designs, reading them on first use or
// after forget.
func (s *Store) loadDesigns(ctx context.Context) (*designSet, error) {
	s.mu.Lock()
	cached := s.designs
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var (
		gen    *goredis.StringCmd
		bodies *goredis.MapStringStringCmd
		revs   *goredis.MapStringStringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		gen = p.Get(ctx, s.genKey())
		bodies = p.HGetAll(ctx, s.designsKey())
		revs = p.HGetAll(ctx, s.revsKey())
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("load designs: %w", err)
	}

	ds := &designSet{gen: gen.Val()}
	if ds.gen == "" {
		ds.gen = "0"
	}
	names := make([]string, 0, len(bodies.Val()))
	for name := range bodies.Val() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var doc kv.DesignDoc
		if err := json.Unmarshal([]byte(bodies.Val()[name]), &doc); err != nil {
			return nil, fmt.Errorf("decode design %s: %w", name, err)
		}
		ds.designs = append(ds.designs, compiledDesign{
			name:  name,
			rev:   revs.Val()[name],
			views: kv.CompileDesign(name, &doc, s.compiler),
		})
	}

	s.mu.Lock()
	s.designs = ds
	s.mu.Unlock()
	return ds, nil
}

func (s *Store) forget(ds *designSet) {
	s.mu.Lock()
	if s.designs == ds {
		s.designs = nil
	}
	s.mu.Unlock()
}

// design reads one design with the revision its index lives under.
func (s *Store) design(ctx context.Context, name string) (*kv.DesignDoc, string, error) {
	var body, rev *goredis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		body = p.HGet(ctx, s.designsKey(), name)
		rev = p.HGet(ctx, s.revsKey(), name)
		return nil
	})
	if errors.Is(body.Err(), goredis.Nil) {
		return nil, "", kv.ErrNotFound
	}
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, "", fmt.Errorf("get design %s: %w", name, err)
	}
	var doc kv.DesignDoc
	if err := json.Unmarshal([]byte(body.Val()), &doc); err != nil {
		return nil, "", fmt.Errorf("decode design %s: %w", name, err)
	}
	return &doc, rev.Val(), nil
}

func (s *Store) GetDesign(ctx context.Context, name string) (*kv.DesignDoc, error) {
	doc, _, err := s.design(ctx, name)
	return doc, err
}

// PutDesign stores doc under a new generation, indexes the existing
// documents into it and drops the index of the previous generation.
// Design and view names must not contain ':'.
func (s *Store) PutDesign(ctx context.Context, name string, doc *kv.DesignDoc) error {
	if strings.Contains(name, ":") {
		return fmt.Errorf("put design %s: name must not contain ':'", name)
	}
	for view := range doc.Views {
		if strings.Contains(view, ":") {
			return fmt.Errorf("put design %s: view %q must not contain ':'", name, view)
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode design %s: %w", name, err)
	}

	prev, prevRev, err := s.design(ctx, name)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("put design %s: %w", name, err)
	}

	gen, err := putDesignScript.Run(ctx, s.client,
		[]string{s.designsKey(), s.revsKey(), s.genKey()}, name, raw).Int64()
	if err != nil {
		return fmt.Errorf("put design %s: %w", name, err)
	}
	s.mu.Lock()
	s.designs = nil
	s.mu.Unlock()

	d := compiledDesign{name: name, rev: strconv.FormatInt(gen, 10), views: kv.CompileDesign(name, doc, s.compiler)}
	if err := s.reindex(ctx, d); err != nil {
		return fmt.Errorf("put design %s: %w", name, err)
	}
	if prev != nil {
		if err := s.dropIndex(ctx, name, prevRev, prev); err != nil {
			return fmt.Errorf("put design %s: %w", name, err)
		}
	}
	return nil
}

// reindex adds the rows of d for every stored document. Documents written
// concurrently are indexed by their own write.
func (s *Store) reindex(ctx context.Context, d compiledDesign) error {
	if len(d.views) == 0 {
		return nil
	}
	for doc, err := range s.scan(ctx) {
		if err != nil {
			return err
		}
		entries := s.entries(d, doc.Key, doc.Value)
		if len(entries) == 0 {
			continue
		}
		rows, err := encodeEntries(entries)
		if err != nil {
			return err
		}
		err = reindexScript.Run(ctx, s.client, []string{s.docKey(doc.Key)},
			strconv.FormatUint(doc.CAS, 10), rows).Err()
		if err != nil {
			return fmt.Errorf("index %s: %w", doc.Key, err)
		}
	}
	return nil
}

func (s *Store) dropIndex(ctx context.Context, name, rev string, d *kv.DesignDoc) error {
	for view := range d.Views {
		set := s.viewKeysKey(rev, name, view)
		keys, err := s.client.SMembers(ctx, set).Result()
		if err != nil {
			return fmt.Errorf("drop index %s/%s: %w", name, view, err)
		}
		drop := []string{set}
		for _, k := range keys {
			drop = append(drop, s.viewKey(rev, name, view, k))
		}
		if err := s.client.Del(ctx, drop...).Err(); err != nil {
			return fmt.Errorf("drop index %s/%s: %w", name, view, err)
		}
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q kv.ViewQuery) iter.Seq2[kv.ViewRow, error] {
	return func(yield func(kv.ViewRow, error) bool) {
		design, rev, err := s.design(ctx, q.Design)
		if err := kv.ResolveView(q, design, err, s.compiler); err != nil {
			yield(kv.ViewRow{}, err)
			return
		}

		keys := []string{q.Key}
		if q.Key == "" {
			keys, err = s.client.SMembers(ctx, s.viewKeysKey(rev, q.Design, q.View)).Result()
			if err != nil {
				yield(kv.ViewRow{}, fmt.Errorf("query %s/%s: %w", q.Design, q.View, err))
				return
			}
			sort.Strings(keys)
		}

		for _, key := range keys {
			rows, err := s.rows(ctx, q, rev, key)
			if err != nil {
				yield(kv.ViewRow{}, fmt.Errorf("query %s/%s: %w", q.Design, q.View, err))
				return
			}
			for _, row := range rows {
				if !yield(row, nil) {
					return
				}
			}
		}
	}
}

// rows reads the rows under one view key and drops those whose document
// expired or was rewritten since.
func (s *Store) rows(ctx context.Context, q kv.ViewQuery, rev, key string) ([]kv.ViewRow, error) {
	fields, err := s.client.HGetAll(ctx, s.viewKey(rev, q.Design, q.View, key)).Result()
	if err != nil || len(fields) == 0 {
		return nil, err
	}
	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cmds := make([]*goredis.SliceCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HMGet(ctx, s.docKey(id), "v", "cas")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]kv.ViewRow, 0, len(ids))
	for i, id := range ids {
		doc, err := parseDoc(id, cmds[i].Val())
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rowCAS, value, _ := strings.Cut(fields[id], " ")
		if rowCAS != strconv.FormatUint(doc.CAS, 10) {
			continue
		}
		row := kv.ViewRow{ID: id, Key: key, Value: json.RawMessage(value)}
		if q.IncludeDocs {
			row.Doc = doc.Value
		}
		out = append(out, row)
	}
	return out, nil
}

// scan walks SCAN MATCH over every document of the bucket. It only runs
// when a design is put. SCAN may report a key twice, so keys are
// de-duplicated.
func (s *Store) scan(ctx context.Context) iter.Seq2[kv.Document, error] {
	return func(yield func(kv.Document, error) bool) {
		base := s.docPrefix()
		match := globEscape(base) + "*"
		seen := make(map[string]struct{})

		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
			if err != nil {
				yield(kv.Document{}, fmt.Errorf("scan: %w", err))
				return
			}
			for _, rk := range keys {
				if _, dup := seen[rk]; dup {
					continue
				}
				seen[rk] = struct{}{}

				doc, err := s.get(ctx, rk, strings.TrimPrefix(rk, base))
				if errors.Is(err, kv.ErrNotFound) {
					// Expired since SCAN saw it.
					continue
				}
				if err != nil {
					yield(kv.Document{}, err)
					return
				}
				if !yield(*doc, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

// globEscape quotes the characters Redis treats specially in MATCH patterns.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^', '-':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
