// Package backend opens the kv.Store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/kiranshivaraju/jobcache/internal/config"
	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/kv/etcd"
	"github.com/kiranshivaraju/jobcache/internal/kv/memory"
	"github.com/kiranshivaraju/jobcache/internal/kv/postgres"
	"github.com/kiranshivaraju/jobcache/internal/kv/redis"
)

// Purger is implemented by stores whose expired documents must be removed
// explicitly.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

var _ Purger = (*postgres.Store)(nil)

// Open connects to the configured backend. Postgres schemas are migrated
// before the pool is opened.
func Open(ctx context.Context, cfg config.StoreConfig, compiler kv.MapCompiler, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("using in-memory store, jobs are lost on restart")
		return memory.New(compiler), nil

	case "redis":
		return redis.New(redis.Config{
			URL:         cfg.URL,
			Addr:        cfg.Addr(),
			Username:    cfg.Username,
			Password:    cfg.Password,
			Bucket:      cfg.Bucket,
			DialTimeout: cfg.DialTimeout,
		}, compiler)

	case "etcd":
		return etcd.New(etcd.Config{
			Endpoints:   EtcdEndpoints(cfg),
			Username:    cfg.Username,
			Password:    cfg.Password,
			Bucket:      cfg.Bucket,
			DialTimeout: cfg.DialTimeout,
		}, compiler)

	case "postgres":
		dsn := PostgresURL(cfg)
		if err := postgres.RunMigrations(dsn); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
		return postgres.New(ctx, postgres.Config{
			URL:         dsn,
			Bucket:      cfg.Bucket,
			DialTimeout: cfg.DialTimeout,
		}, compiler, postgres.WithLogger(logger))
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// EtcdEndpoints reads a comma separated endpoint list from the URL setting,
// falling back to host:port.
func EtcdEndpoints(cfg config.StoreConfig) []string {
	if cfg.URL == "" {
		return []string{cfg.Addr()}
	}
	var eps []string
	for _, ep := range strings.Split(cfg.URL, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			eps = append(eps, ep)
		}
	}
	return eps
}

// PostgresURL returns the URL setting, or one built from host, port and
// credentials with the bucket as database name.
func PostgresURL(cfg config.StoreConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   cfg.Addr(),
		Path:   "/" + cfg.Bucket,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u.String()
}
