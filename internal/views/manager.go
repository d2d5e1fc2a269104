package views

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/jobcache/internal/kv"
)

// Manager makes sure the design document exists and matches Expected.
// The check runs once per process; Reset forces another one.
type Manager struct {
	store  kv.Store
	skip   bool
	logger *slog.Logger

	mu       sync.Mutex
	verified bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithSkipVerify treats the views as always verified.
func WithSkipVerify(skip bool) Option {
	return func(m *Manager) { m.skip = skip }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager over s.
func NewManager(s kv.Store, opts ...Option) *Manager {
	m := &Manager{store: s, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ensure verifies or (re)creates the design document.
func (m *Manager) Ensure(ctx context.Context) error {
	if m.skip {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verified {
		return nil
	}

	want := Expected()
	current, err := m.store.GetDesign(ctx, DesignName)
	switch {
	case err == nil && current.Equal(want):
		m.verified = true
		return nil
	case err == nil:
		m.logger.Warn("design document drifted, recreating", "design", DesignName)
	case errors.Is(err, kv.ErrNotFound):
		m.logger.Info("design document missing, creating", "design", DesignName)
	default:
		// Unreadable definitions are overwritten like missing ones.
		m.logger.Warn("failed to read design document", "design", DesignName, "error", err)
	}

	if err := m.store.PutDesign(ctx, DesignName, want); err != nil {
		return fmt.Errorf("create design %q: %w", DesignName, err)
	}
	m.verified = true
	return nil
}

// Verified reports whether Ensure has succeeded in this process.
func (m *Manager) Verified() bool {
	if m.skip {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified
}

// Reset clears the cached verification so the next Ensure re-checks.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.verified = false
	m.mu.Unlock()
}
