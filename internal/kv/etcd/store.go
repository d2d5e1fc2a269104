// Package etcd is a kv.Store on etcd v3.
//
// Documents live under "/{bucket}/doc/{key}". The CAS token of a document
// is its mod revision; expiry uses one lease per write.
//
// Views are maintained on write: every row a view emits is a key
// "/{bucket}/view/{rev}/{design}/{view}/{key}/{doc}" put in the same
// transaction as the document and under the same lease, so rows expire
// with their document. rev is the mod revision of the design, which makes
// putting a design start a fresh index. key and doc are hex encoded: hex
// digits all sort above "/", so range order is key order, then doc order.
package etcd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kiranshivaraju/jobcache/internal/kv"
)

var _ kv.Store = (*Store)(nil)

const (
	pageSize = 500
	// getBatch stays below the server's default limit of 128 txn ops.
	getBatch = 100
	// maxDesignReloads bounds retries of a write racing design changes.
	maxDesignReloads = 5
)

var errStaleDesigns = errors.New("designs changed")

// Config holds connection settings.
type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	Bucket      string
	DialTimeout time.Duration
}

// Store implements kv.Store using the etcd v3 client.
type Store struct {
	client   *clientv3.Client
	bucket   string
	compiler kv.MapCompiler

	mu      sync.Mutex
	designs *designSet
}

// designSet is the compiled view of every design, valid while the
// generation key keeps mod revision gen.
type designSet struct {
	gen     int64
	designs []compiledDesign
}

type compiledDesign struct {
	rev   int64
	views []kv.IndexedView
}

// rowValue is stored in every view key. CAS is set only for rows written
// after their document; otherwise the row shares the document's revision.
type rowValue struct {
	Value json.RawMessage `json:"v"`
	CAS   int64           `json:"cas,omitempty"`
}

// New connects to the cluster described by cfg.
func New(cfg Config, compiler kv.MapCompiler) (*Store, error) {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &Store{client: cli, bucket: cfg.Bucket, compiler: compiler}, nil
}

func (s *Store) docPrefix() string { return "/" + s.bucket + "/doc/" }

func (s *Store) designPrefix() string { return "/" + s.bucket + "/design/" }

func (s *Store) designKey(name string) string { return s.designPrefix() + name }

func (s *Store) genKey() string { return "/" + s.bucket + "/meta/designgen" }

func (s *Store) viewPrefix(rev int64, design, view string) string {
	return "/" + s.bucket + "/view/" + strconv.FormatInt(rev, 10) + "/" +
		url.PathEscape(design) + "/" + url.PathEscape(view) + "/"
}

func (s *Store) rowKey(rev int64, r kv.IndexRow, doc string) string {
	return s.viewPrefix(rev, r.Design, r.View) + hex.EncodeToString([]byte(r.Key)) + "/" + hex.EncodeToString([]byte(doc))
}

func (s *Store) Ping(ctx context.Context) error {
	// Any linearizable read proves a quorum is reachable.
	_, err := s.client.Get(ctx, s.designKey("ping"), clientv3.WithCountOnly())
	return err
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) (*kv.Document, error) {
	resp, err := s.client.Get(ctx, s.docPrefix()+key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, kv.ErrNotFound
	}
	item := resp.Kvs[0]
	return &kv.Document{Key: key, Value: json.RawMessage(item.Value), CAS: uint64(item.ModRevision)}, nil
}

// leaseOpts grants a lease covering ttl. Zero ttl means no expiry.
func (s *Store) leaseOpts(ctx context.Context, ttl time.Duration) ([]clientv3.OpOption, clientv3.LeaseID, error) {
	if ttl <= 0 {
		return nil, clientv3.NoLease, nil
	}
	secs := int64(math.Ceil(ttl.Seconds()))
	lease, err := s.client.Grant(ctx, secs)
	if err != nil {
		return nil, clientv3.NoLease, fmt.Errorf("grant lease: %w", err)
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, lease.ID, nil
}

func (s *Store) revoke(ctx context.Context, id clientv3.LeaseID) {
	if id != clientv3.NoLease {
		_, _ = s.client.Revoke(ctx, id)
	}
}

// rowOps returns the puts for the view rows of one document, keyed by
// etcd key.
func (s *Store) rowOps(ds *designSet, key string, value []byte, cas int64, opts []clientv3.OpOption) map[string]clientv3.Op {
	ops := map[string]clientv3.Op{}
	for _, d := range ds.designs {
		for _, r := range kv.EmitRows(d.views, key, value) {
			raw, _ := json.Marshal(rowValue{Value: r.Value, CAS: cas})
			k := s.rowKey(d.rev, r, key)
			ops[k] = clientv3.OpPut(k, string(raw), opts...)
		}
	}
	return ops
}

func sortedOps(ops map[string]clientv3.Op) []clientv3.Op {
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]clientv3.Op, 0, len(keys))
	for _, k := range keys {
		out = append(out, ops[k])
	}
	return out
}

func (s *Store) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	for attempt := 0; ; attempt++ {
		cas, err := s.add(ctx, key, value, ttl)
		if !errors.Is(err, errStaleDesigns) {
			return cas, err
		}
		if attempt == maxDesignReloads {
			return 0, fmt.Errorf("add %s: %w", key, err)
		}
	}
}

func (s *Store) add(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	ds, err := s.loadDesigns(ctx)
	if err != nil {
		return 0, fmt.Errorf("add %s: %w", key, err)
	}
	opts, lease, err := s.leaseOpts(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("add %s: %w", key, err)
	}
	k := s.docPrefix() + key
	then := append([]clientv3.Op{clientv3.OpPut(k, string(value), opts...)},
		sortedOps(s.rowOps(ds, key, value, 0, opts))...)

	resp, err := s.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.CreateRevision(k), "=", 0),
			clientv3.Compare(clientv3.ModRevision(s.genKey()), "=", ds.gen),
		).
		Then(then...).
		Else(clientv3.OpGet(s.genKey())).
		Commit()
	if err != nil {
		s.revoke(ctx, lease)
		return 0, fmt.Errorf("add %s: %w", key, err)
	}
	if !resp.Succeeded {
		s.revoke(ctx, lease)
		if s.staleGen(ds, resp.Responses[0]) {
			return 0, errStaleDesigns
		}
		return 0, kv.ErrKeyExists
	}
	return uint64(resp.Header.Revision), nil
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error) {
	for attempt := 0; ; attempt++ {
		next, err := s.replace(ctx, key, value, cas, ttl)
		if !errors.Is(err, errStaleDesigns) {
			return next, err
		}
		if attempt == maxDesignReloads {
			return 0, fmt.Errorf("replace %s: %w", key, err)
		}
	}
}

func (s *Store) replace(ctx context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error) {
	ds, err := s.loadDesigns(ctx)
	if err != nil {
		return 0, fmt.Errorf("replace %s: %w", key, err)
	}
	old, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if old.CAS != cas {
		return 0, kv.ErrCASMismatch
	}

	opts, lease, err := s.leaseOpts(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("replace %s: %w", key, err)
	}
	k := s.docPrefix() + key
	puts := s.rowOps(ds, key, value, 0, opts)
	then := append([]clientv3.Op{clientv3.OpPut(k, string(value), opts...)}, sortedOps(puts)...)
	// Rows the old body emitted and the new one does not.
	for rk := range s.rowOps(ds, key, old.Value, 0, nil) {
		if _, ok := puts[rk]; !ok {
			then = append(then, clientv3.OpDelete(rk))
		}
	}

	resp, err := s.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.ModRevision(k), "=", int64(cas)),
			clientv3.Compare(clientv3.ModRevision(s.genKey()), "=", ds.gen),
		).
		Then(then...).
		Else(clientv3.OpGet(k, clientv3.WithCountOnly()), clientv3.OpGet(s.genKey())).
		Commit()
	if err != nil {
		s.revoke(ctx, lease)
		return 0, fmt.Errorf("replace %s: %w", key, err)
	}
	if !resp.Succeeded {
		s.revoke(ctx, lease)
		if rr := resp.Responses[0].GetResponseRange(); rr == nil || rr.Count == 0 {
			return 0, kv.ErrNotFound
		}
		if s.staleGen(ds, resp.Responses[1]) {
			return 0, errStaleDesigns
		}
		return 0, kv.ErrCASMismatch
	}
	return uint64(resp.Header.Revision), nil
}

// staleGen reports whether the generation read in a failed txn differs
// from ds, and forgets ds if so.
func (s *Store) staleGen(ds *designSet, op *etcdserverpb.ResponseOp) bool {
	var gen int64
	if rr := op.GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
		gen = rr.Kvs[0].ModRevision
	}
	if gen == ds.gen {
		return false
	}
	s.mu.Lock()
	if s.designs == ds {
		s.designs = nil
	}
	s.mu.Unlock()
	return true
}

// loadDesigns returns the cached designs, reading them on first use or
// after a write found them stale.
func (s *Store) loadDesigns(ctx context.Context) (*designSet, error) {
	s.mu.Lock()
	cached := s.designs
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	resp, err := s.client.Txn(ctx).
		Then(
			clientv3.OpGet(s.genKey()),
			clientv3.OpGet(s.designPrefix(), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend)),
		).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("load designs: %w", err)
	}

	ds := &designSet{}
	if gen := resp.Responses[0].GetResponseRange(); len(gen.Kvs) > 0 {
		ds.gen = gen.Kvs[0].ModRevision
	}
	for _, item := range resp.Responses[1].GetResponseRange().Kvs {
		name := strings.TrimPrefix(string(item.Key), s.designPrefix())
		var doc kv.DesignDoc
		if err := json.Unmarshal(item.Value, &doc); err != nil {
			return nil, fmt.Errorf("decode design %s: %w", name, err)
		}
		ds.designs = append(ds.designs, compiledDesign{
			rev:   item.ModRevision,
			views: kv.CompileDesign(name, &doc, s.compiler),
		})
	}

	s.mu.Lock()
	s.designs = ds
	s.mu.Unlock()
	return ds, nil
}

func (s *Store) design(ctx context.Context, name string) (*kv.DesignDoc, int64, error) {
	resp, err := s.client.Get(ctx, s.designKey(name))
	if err != nil {
		return nil, 0, fmt.Errorf("get design %s: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, kv.ErrNotFound
	}
	var doc kv.DesignDoc
	if err := json.Unmarshal(resp.Kvs[0].Value, &doc); err != nil {
		return nil, 0, fmt.Errorf("decode design %s: %w", name, err)
	}
	return &doc, resp.Kvs[0].ModRevision, nil
}

func (s *Store) GetDesign(ctx context.Context, name string) (*kv.DesignDoc, error) {
	doc, _, err := s.design(ctx, name)
	return doc, err
}

// PutDesign stores doc and bumps the generation in one txn, indexes the
// existing documents under the new revision and drops the old index.
func (s *Store) PutDesign(ctx context.Context, name string, doc *kv.DesignDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode design %s: %w", name, err)
	}
	prev, prevRev, err := s.design(ctx, name)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("put design %s: %w", name, err)
	}

	resp, err := s.client.Txn(ctx).
		Then(clientv3.OpPut(s.designKey(name), string(raw)), clientv3.OpPut(s.genKey(), "")).
		Commit()
	if err != nil {
		return fmt.Errorf("put design %s: %w", name, err)
	}
	s.mu.Lock()
	s.designs = nil
	s.mu.Unlock()

	d := compiledDesign{rev: resp.Header.Revision, views: kv.CompileDesign(name, doc, s.compiler)}
	if err := s.reindex(ctx, d); err != nil {
		return fmt.Errorf("put design %s: %w", name, err)
	}
	if prev != nil {
		old := s.viewPrefix(prevRev, name, "")
		old = strings.TrimSuffix(old, "/")
		if _, err := s.client.Delete(ctx, old, clientv3.WithPrefix()); err != nil {
			return fmt.Errorf("put design %s: drop index: %w", name, err)
		}
	}
	return nil
}

// reindex adds the rows of d for every stored document, pinned to the
// document revision it read and attached to the document's lease.
func (s *Store) reindex(ctx context.Context, d compiledDesign) error {
	if len(d.views) == 0 {
		return nil
	}
	ds := &designSet{designs: []compiledDesign{d}}
	for item, err := range s.scan(ctx, s.docPrefix()) {
		if err != nil {
			return err
		}
		key := strings.TrimPrefix(string(item.Key), s.docPrefix())
		var opts []clientv3.OpOption
		if item.Lease != 0 {
			opts = append(opts, clientv3.WithLease(clientv3.LeaseID(item.Lease)))
		}
		ops := s.rowOps(ds, key, item.Value, item.ModRevision, opts)
		if len(ops) == 0 {
			continue
		}
		_, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(item.Key)), "=", item.ModRevision)).
			Then(sortedOps(ops)...).
			Commit()
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			// The document expired while we were reading.
			continue
		}
		if err != nil {
			return fmt.Errorf("index %s: %w", key, err)
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

		base := s.viewPrefix(rev, q.Design, q.View)
		prefix := base
		if q.Key != "" {
			prefix += hex.EncodeToString([]byte(q.Key)) + "/"
		}

		var page []*mvccpb.KeyValue
		flush := func() bool {
			rows, err := s.resolveRows(ctx, q, base, page)
			page = page[:0]
			if err != nil {
				yield(kv.ViewRow{}, fmt.Errorf("query %s/%s: %w", q.Design, q.View, err))
				return false
			}
			for _, row := range rows {
				if !yield(row, nil) {
					return false
				}
			}
			return true
		}
		for item, err := range s.scan(ctx, prefix) {
			if err != nil {
				yield(kv.ViewRow{}, fmt.Errorf("query %s/%s: %w", q.Design, q.View, err))
				return
			}
			page = append(page, item)
			if len(page) == getBatch && !flush() {
				return
			}
		}
		if len(page) > 0 {
			flush()
		}
	}
}

// resolveRows reads the documents behind a batch of view keys in one txn
// and keeps the rows that still match their document's revision.
func (s *Store) resolveRows(ctx context.Context, q kv.ViewQuery, base string, items []*mvccpb.KeyValue) ([]kv.ViewRow, error) {
	type pending struct {
		row kv.ViewRow
		rev int64
	}
	rows := make([]pending, 0, len(items))
	ops := make([]clientv3.Op, 0, len(items))
	for _, item := range items {
		escKey, escID, ok := strings.Cut(strings.TrimPrefix(string(item.Key), base), "/")
		if !ok {
			continue
		}
		key, err := hex.DecodeString(escKey)
		if err != nil {
			return nil, fmt.Errorf("decode view key %q: %w", item.Key, err)
		}
		id, err := hex.DecodeString(escID)
		if err != nil {
			return nil, fmt.Errorf("decode view key %q: %w", item.Key, err)
		}
		var v rowValue
		if err := json.Unmarshal(item.Value, &v); err != nil {
			return nil, fmt.Errorf("decode view row %q: %w", item.Key, err)
		}
		rev := v.CAS
		if rev == 0 {
			rev = item.ModRevision
		}
		rows = append(rows, pending{row: kv.ViewRow{ID: string(id), Key: string(key), Value: v.Value}, rev: rev})
		ops = append(ops, clientv3.OpGet(s.docPrefix()+string(id)))
	}
	if len(ops) == 0 {
		return nil, nil
	}

	resp, err := s.client.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, err
	}
	out := make([]kv.ViewRow, 0, len(rows))
	for i, p := range rows {
		docs := resp.Responses[i].GetResponseRange().Kvs
		if len(docs) == 0 || docs[0].ModRevision != p.rev {
			continue
		}
		if q.IncludeDocs {
			p.row.Doc = json.RawMessage(docs[0].Value)
		}
		out = append(out, p.row)
	}
	return out, nil
}

// scan pages through the prefix range. Every page after the first is read
// at the revision of the first so the walk sees one snapshot.
func (s *Store) scan(ctx context.Context, prefix string) iter.Seq2[*mvccpb.KeyValue, error] {
	return func(yield func(*mvccpb.KeyValue, error) bool) {
		from := prefix
		end := clientv3.GetPrefixRangeEnd(prefix)
		var rev int64

		for {
			opts := []clientv3.OpOption{
				clientv3.WithRange(end),
				clientv3.WithLimit(pageSize),
				clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
			}
			if rev > 0 {
				opts = append(opts, clientv3.WithRev(rev))
			}
			resp, err := s.client.Get(ctx, from, opts...)
			if err != nil {
				yield(nil, fmt.Errorf("scan %q: %w", prefix, err))
				return
			}
			if rev == 0 {
				rev = resp.Header.Revision
			}
			for _, item := range resp.Kvs {
				if !yield(item, nil) {
					return
				}
			}
			if !resp.More || len(resp.Kvs) == 0 {
				return
			}
			from = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
		}
	}
}
