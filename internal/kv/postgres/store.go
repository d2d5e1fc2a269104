// Package postgres is a kv.Store on PostgreSQL.
//
// Documents are rows of the documents table keyed by (bucket, key). CAS
// tokens come from a sequence. Expired rows are invisible to every
// operation and removed by Purge.
//
// Views are maintained on write in the view_rows table, replaced in the
// same transaction as the document they were emitted from and removed
// with it by a cascading delete.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/jobcache/internal/kv"
)

var _ kv.Store = (*Store)(nil)

const pageSize = 500

// expiresAt turns a ttl in milliseconds ($n) into an expiry timestamp.
const expiresAt = `CASE WHEN %s::bigint > 0 THEN NOW() + %s::bigint * INTERVAL '1 millisecond' END`

const live = `(expires_at IS NULL OR expires_at > NOW())`

// Config holds connection settings.
type Config struct {
	URL         string
	Bucket      string
	DialTimeout time.Duration
	MaxConns    int32
}

// Store implements kv.Store using pgx/v5.
type Store struct {
	pool     *pgxpool.Pool
	bucket   string
	compiler kv.MapCompiler
	logger   *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Connect opens a pool for cfg and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.DialTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.DialTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// New connects using cfg. The schema must already be migrated.
func New(ctx context.Context, cfg Config, compiler kv.MapCompiler, opts ...Option) (*Store, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewFromPool(pool, cfg.Bucket, compiler, opts...), nil
}

// NewFromPool creates a Store over an existing pool. Close closes the pool.
func NewFromPool(pool *pgxpool.Pool, bucket string, compiler kv.MapCompiler, opts ...Option) *Store {
	s := &Store{
		pool:     pool,
		bucket:   bucket,
		compiler: compiler,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*kv.Document, error) {
	var (
		value []byte
		cas   int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, cas FROM documents WHERE bucket = $1 AND key = $2 AND `+live,
		s.bucket, key,
	).Scan(&value, &cas)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &kv.Document{Key: key, Value: value, CAS: uint64(cas)}, nil
}

// lockClass namespaces the advisory locks taken on a bucket. Writers hold
// the shared lock while they index a document under the current designs;
// PutDesign holds it exclusively while it rebuilds.
const lockClass = 0x6a6f62

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// write runs fn in a transaction that also replaces the view rows of key
// with those its new value emits.
func (s *Store) write(ctx context.Context, key string, value []byte, fn func(pgx.Tx) (int64, error)) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared($1, hashtext($2))`, lockClass, s.bucket); err != nil {
		return 0, fmt.Errorf("lock designs: %w", err)
	}
	cas, err := fn(tx)
	if err != nil {
		return 0, err
	}
	views, err := s.views(ctx, tx)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM view_rows WHERE bucket = $1 AND doc_key = $2`, s.bucket, key); err != nil {
		return 0, fmt.Errorf("unindex: %w", err)
	}
	if err := s.insertRows(ctx, tx, key, kv.EmitRows(views, key, value)); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return cas, nil
}

// views compiles every design of the bucket.
func (s *Store) views(ctx context.Context, q querier) ([]kv.IndexedView, error) {
	rows, err := q.Query(ctx,
		`SELECT name, body FROM design_documents WHERE bucket = $1 ORDER BY name`, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("load designs: %w", err)
	}
	type design struct {
		name string
		body []byte
	}
	designs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (design, error) {
		var d design
		err := row.Scan(&d.name, &d.body)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("load designs: %w", err)
	}

	var out []kv.IndexedView
	for _, d := range designs {
		var doc kv.DesignDoc
		if err := json.Unmarshal(d.body, &doc); err != nil {
			return nil, fmt.Errorf("decode design %s: %w", d.name, err)
		}
		out = append(out, kv.CompileDesign(d.name, &doc, s.compiler)...)
	}
	return out, nil
}

// insertRows stores rows emitted for the document docKey.
func (s *Store) insertRows(ctx context.Context, tx pgx.Tx, docKey string, rows []kv.IndexRow) error {
	if len(rows) == 0 {
		return nil
	}
	designs := make([]string, len(rows))
	views := make([]string, len(rows))
	keys := make([]string, len(rows))
	values := make([]string, len(rows))
	for i, r := range rows {
		designs[i], views[i], keys[i], values[i] = r.Design, r.View, r.Key, string(r.Value)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO view_rows (bucket, design_name, view_name, key, doc_key, value)
		 SELECT $1, d, v, k, $2, val::jsonb
		 FROM unnest($3::text[], $4::text[], $5::text[], $6::text[]) AS t(d, v, k, val)`,
		s.bucket, docKey, designs, views, keys, values)
	if err != nil {
		return fmt.Errorf("index %s: %w", docKey, err)
	}
	return nil
}

// Add inserts the row, or takes over an expired one.
func (s *Store) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	cas, err := s.write(ctx, key, value, func(tx pgx.Tx) (int64, error) {
		var cas int64
		err := tx.QueryRow(ctx,
			`INSERT INTO documents (bucket, key, value, cas, expires_at)
			 VALUES ($1, $2, $3, nextval('document_cas_seq'), `+fmt.Sprintf(expiresAt, "$4", "$4")+`)
			 ON CONFLICT (bucket, key) DO UPDATE
			   SET value = EXCLUDED.value, cas = EXCLUDED.cas, expires_at = EXCLUDED.expires_at
			   WHERE documents.expires_at IS NOT NULL AND documents.expires_at <= NOW()
			 RETURNING cas`,
			s.bucket, key, json.RawMessage(value), ttl.Milliseconds(),
		).Scan(&cas)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, kv.ErrKeyExists
		}
		return cas, err
	})
	if errors.Is(err, kv.ErrKeyExists) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("add %s: %w", key, err)
	}
	return uint64(cas), nil
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, cas uint64, ttl time.Duration) (uint64, error) {
	next, err := s.write(ctx, key, value, func(tx pgx.Tx) (int64, error) {
		var next int64
		err := tx.QueryRow(ctx,
			`UPDATE documents
			 SET value = $3, cas = nextval('document_cas_seq'), expires_at = `+fmt.Sprintf(expiresAt, "$4", "$4")+`
			 WHERE bucket = $1 AND key = $2 AND cas = $5 AND `+live+`
			 RETURNING cas`,
			s.bucket, key, json.RawMessage(value), ttl.Milliseconds(), int64(cas),
		).Scan(&next)
		if !errors.Is(err, pgx.ErrNoRows) {
			return next, err
		}

		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM documents WHERE bucket = $1 AND key = $2 AND `+live+`)`,
			s.bucket, key,
		).Scan(&exists)
		switch {
		case err != nil:
			return 0, err
		case !exists:
			return 0, kv.ErrNotFound
		default:
			return 0, kv.ErrCASMismatch
		}
	})
	if errors.Is(err, kv.ErrNotFound) || errors.Is(err, kv.ErrCASMismatch) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("replace %s: %w", key, err)
	}
	return uint64(next), nil
}

func (s *Store) GetDesign(ctx context.Context, name string) (*kv.DesignDoc, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM design_documents WHERE bucket = $1 AND name = $2`,
		s.bucket, name,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get design %s: %w", name, err)
	}
	var doc kv.DesignDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode design %s: %w", name, err)
	}
	return &doc, nil
}

// PutDesign stores doc and rebuilds its view rows from the live documents
// in one transaction.
func (s *Store) PutDesign(ctx context.Context, name string, doc *kv.DesignDoc) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode design %s: %w", name, err)
	}
	if err := s.putDesign(ctx, name, doc, body); err != nil {
		return fmt.Errorf("put design %s: %w", name, err)
	}
	return nil
}

func (s *Store) putDesign(ctx context.Context, name string, doc *kv.DesignDoc, body []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, lockClass, s.bucket); err != nil {
		return fmt.Errorf("lock designs: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO design_documents (bucket, name, body) VALUES ($1, $2, $3)
		 ON CONFLICT (bucket, name) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`,
		s.bucket, name, json.RawMessage(body))
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM view_rows WHERE bucket = $1 AND design_name = $2`, s.bucket, name); err != nil {
		return fmt.Errorf("drop index: %w", err)
	}

	views := kv.CompileDesign(name, doc, s.compiler)
	if len(views) > 0 {
		for page, err := range s.pages(ctx, tx) {
			if err != nil {
				return err
			}
			for _, d := range page {
				if err := s.insertRows(ctx, tx, d.Key, kv.EmitRows(views, d.Key, d.Value)); err != nil {
					return err
				}
			}
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) Query(ctx context.Context, q kv.ViewQuery) iter.Seq2[kv.ViewRow, error] {
	return func(yield func(kv.ViewRow, error) bool) {
		design, err := s.GetDesign(ctx, q.Design)
		if err := kv.ResolveView(q, design, err, s.compiler); err != nil {
			yield(kv.ViewRow{}, err)
			return
		}

		var afterKey, afterID string
		first := true
		for {
			rows, err := s.pool.Query(ctx,
				`SELECT r.key, r.doc_key, r.value, CASE WHEN $6 THEN d.value END
				 FROM view_rows r
				 JOIN documents d ON d.bucket = r.bucket AND d.key = r.doc_key
				 WHERE r.bucket = $1 AND r.design_name = $2 AND r.view_name = $3
				   AND ($4 = '' OR r.key = $4)
				   AND ($5 OR (r.key, r.doc_key) > ($7::text, $8::text))
				   AND (d.expires_at IS NULL OR d.expires_at > NOW())
				 ORDER BY r.key, r.doc_key
				 LIMIT $9`,
				s.bucket, q.Design, q.View, q.Key, first, q.IncludeDocs, afterKey, afterID, pageSize)
			if err != nil {
				yield(kv.ViewRow{}, fmt.Errorf("query %s/%s: %w", q.Design, q.View, err))
				return
			}
			page, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kv.ViewRow, error) {
				var (
					r        kv.ViewRow
					value    []byte
					document []byte
				)
				err := row.Scan(&r.Key, &r.ID, &value, &document)
				r.Value = value
				if document != nil {
					r.Doc = document
				}
				return r, err
			})
			if err != nil {
				yield(kv.ViewRow{}, fmt.Errorf("query %s/%s: %w", q.Design, q.View, err))
				return
			}

			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			afterKey, afterID = page[len(page)-1].Key, page[len(page)-1].ID
			first = false
		}
	}
}

// pages reads live documents in key order, one page at a time using the
// last key as the cursor. Each page is fully read before it is yielded so
// the caller may use the same connection.
func (s *Store) pages(ctx context.Context, q querier) iter.Seq2[[]kv.Document, error] {
	return func(yield func([]kv.Document, error) bool) {
		after := ""
		first := true
		for {
			rows, err := q.Query(ctx,
				`SELECT key, value, cas FROM documents
				 WHERE bucket = $1 AND ($2 OR key > $3) AND `+live+`
				 ORDER BY key
				 LIMIT $4`,
				s.bucket, first, after, pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("scan documents: %w", err))
				return
			}
			page, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kv.Document, error) {
				var (
					d   kv.Document
					cas int64
				)
				err := row.Scan(&d.Key, &d.Value, &cas)
				d.CAS = uint64(cas)
				return d, err
			})
			if err != nil {
				yield(nil, fmt.Errorf("scan documents: %w", err))
				return
			}
			if len(page) > 0 && !yield(page, nil) {
				return
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].Key
			first = false
		}
	}
}

// Purge deletes expired rows of this bucket and returns how many went.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE bucket = $1 AND expires_at IS NOT NULL AND expires_at <= NOW()`,
		s.bucket)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("purged expired documents", "bucket", s.bucket, "count", n)
	}
	return tag.RowsAffected(), nil
}
