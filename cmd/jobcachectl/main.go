// Command jobcachectl inspects a job cache store directly.
//
//	jobcachectl [flags] jobs
//	jobcachectl [flags] job JID
//	jobcachectl [flags] load JID
//	jobcachectl [flags] verify-views
//
// Store settings come from the same JOBCACHE_* environment as the server;
// flags override them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/jobcache/internal/config"
	"github.com/kiranshivaraju/jobcache/internal/jobcache"
	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/kv/backend"
	"github.com/kiranshivaraju/jobcache/internal/views"
)

var errUsage = errors.New("usage: jobcachectl [flags] jobs | job JID | load JID | verify-views")

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "jobcachectl:", err)
		os.Exit(1)
	}
}

type options struct {
	format string
	store  config.StoreConfig
	skip   bool
}

// parseFlags layers command-line flags over the environment configuration.
func parseFlags(args []string, cfg *config.Config) (*options, []string, error) {
	o := &options{store: cfg.Store, skip: cfg.Jobs.SkipVerifyViews}

	fs := pflag.NewFlagSet("jobcachectl", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.store.Backend, "backend", o.store.Backend, "store backend: redis, etcd, postgres or memory")
	fs.StringVar(&o.store.Host, "host", o.store.Host, "store host")
	fs.IntVar(&o.store.Port, "port", o.store.Port, "store port")
	fs.StringVar(&o.store.Bucket, "bucket", o.store.Bucket, "store bucket")
	fs.StringVar(&o.store.URL, "url", o.store.URL, "store connection URL, overrides host and port")
	fs.StringVarP(&o.format, "format", "o", "yaml", "output format: yaml or json")
	fs.BoolVar(&o.skip, "skip-verify-views", o.skip, "trust the stored views without checking them")
	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("parse flags: %w", err)
	}

	if o.format != "yaml" && o.format != "json" {
		return nil, nil, fmt.Errorf("--format must be yaml or json, got %q", o.format)
	}
	return o, fs.Args(), nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := config.LoadStore()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts, rest, err := parseFlags(args, cfg)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return errUsage
	}

	store, err := backend.Open(ctx, opts.store, views.Compiler{}, slog.Default())
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer store.Close()

	return execute(ctx, store, opts, rest, stdout)
}

func execute(ctx context.Context, store kv.Store, opts *options, args []string, stdout io.Writer) error {
	vm := views.NewManager(store, views.WithSkipVerify(opts.skip), views.WithLogger(slog.Default()))
	// Retention only affects writes, which this tool never performs.
	cache, err := jobcache.New(store, vm, 1)
	if err != nil {
		return err
	}

	var out any
	switch {
	case args[0] == "jobs" && len(args) == 1:
		out, err = cache.GetJids(ctx)
	case args[0] == "job" && len(args) == 2:
		var results map[string]json.RawMessage
		results, err = cache.GetJid(ctx, args[1])
		out = decodeResults(results)
	case args[0] == "load" && len(args) == 2:
		out, err = cache.GetLoad(ctx, args[1])
	case args[0] == "verify-views" && len(args) == 1:
		out, err = verifyViews(ctx, store)
	default:
		return errUsage
	}
	if err != nil {
		return err
	}
	return write(stdout, opts.format, out)
}

// decodeResults turns raw result records into plain values so yaml output
// renders them as mappings instead of byte sequences.
func decodeResults(results map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(results))
	for minion, raw := range results {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			v = string(raw)
		}
		out[minion] = v
	}
	return out
}

type viewsReport struct {
	Design   string         `json:"design" yaml:"design"`
	Verified bool           `json:"verified" yaml:"verified"`
	Views    map[string]any `json:"views" yaml:"views"`
}

// verifyViews always checks the stored design, whatever --skip-verify-views says.
func verifyViews(ctx context.Context, store kv.Store) (*viewsReport, error) {
	vm := views.NewManager(store, views.WithLogger(slog.Default()))
	if err := vm.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("verify views: %w", err)
	}
	design, err := store.GetDesign(ctx, views.DesignName)
	if err != nil {
		return nil, fmt.Errorf("read design %s: %w", views.DesignName, err)
	}
	report := &viewsReport{Design: views.DesignName, Verified: vm.Verified(), Views: map[string]any{}}
	for name, v := range design.Views {
		report.Views[name] = map[string]string{"map": v.Map}
	}
	return report, nil
}

func write(w io.Writer, format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	// Round trip through JSON so struct json tags and json.RawMessage
	// values are honoured in yaml output.
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(plain); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return enc.Close()
}
