// Package jobcache records dispatched jobs and the results minions return
// for them.
//
// Documents live in a kv.Store: the job record under its jid and one result
// record per minion under "{jid}/{minion}". Both expire after the configured
// retention. Reads go through the views maintained by views.Manager.
package jobcache

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kiranshivaraju/jobcache/internal/jid"
	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/target"
	"github.com/kiranshivaraju/jobcache/internal/views"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrDuplicateReturn  = errors.New("duplicate return")
	ErrLoadConflict     = errors.New("job record modified concurrently")
	ErrInvalidKey       = errors.New("invalid job or minion id")
	ErrViewsUnavailable = errors.New("views unavailable")
)

// keySep joins jid and minion id in result keys. The views split on it.
const keySep = "/"

// Cache is the job-result store. It holds no per-job state; all
// coordination happens through atomic store operations.
type Cache struct {
	store    kv.Store
	views    *views.Manager
	gen      jid.Generator
	resolver target.Resolver
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithGenerator replaces the wall-clock jid generator.
func WithGenerator(g jid.Generator) Option {
	return func(c *Cache) { c.gen = g }
}

// WithResolver sets the target resolver used by SaveLoad.
// Without one, loads are saved without a minion list.
func WithResolver(r target.Resolver) Option {
	return func(c *Cache) { c.resolver = r }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMeterProvider records metrics through mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Cache) { c.metrics = newMetrics(mp.Meter(meterName)) }
}

// MaxKeepJobs is the longest retention, in hours, a time.Duration holds.
const MaxKeepJobs = int(math.MaxInt64 / int64(time.Hour))

// New creates a Cache keeping documents for keepJobs hours.
func New(s kv.Store, vm *views.Manager, keepJobs int, opts ...Option) (*Cache, error) {
	if keepJobs <= 0 || keepJobs > MaxKeepJobs {
		return nil, fmt.Errorf("keep jobs must be between 1 and %d hours, got %d", MaxKeepJobs, keepJobs)
	}
	c := &Cache{
		store:  s,
		views:  vm,
		gen:    jid.NewClock(),
		ttl:    TTL(keepJobs),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(otel.Meter(meterName))
	}
	return c, nil
}

// TTL converts a retention in hours into the expiry applied to every write.
// Retentions past MaxKeepJobs are capped there.
func TTL(keepJobs int) time.Duration {
	if keepJobs > MaxKeepJobs {
		keepJobs = MaxKeepJobs
	}
	return time.Duration(keepJobs) * time.Hour
}

// ResultKey returns the key of the result record for minion in jid.
func ResultKey(jobID, minion string) string {
	return jobID + keySep + minion
}

func validID(id string) bool {
	return id != "" && !strings.Contains(id, keySep)
}
