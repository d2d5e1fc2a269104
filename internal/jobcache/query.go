package jobcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/jobcache/internal/jid"
	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/views"
	"github.com/kiranshivaraju/jobcache/pkg/models"
)

// GetJid returns every stored result of jobID keyed by minion id.
func (c *Cache) GetJid(ctx context.Context, jobID string) (map[string]json.RawMessage, error) {
	if err := c.ensureViews(ctx); err != nil {
		return nil, err
	}

	ret := map[string]json.RawMessage{}
	if !validID(jobID) {
		return ret, nil
	}

	rows := c.store.Query(ctx, kv.ViewQuery{
		Design:      views.DesignName,
		View:        views.ReturnsView,
		Key:         jobID,
		IncludeDocs: true,
	})
	for row, err := range rows {
		if err != nil {
			return nil, fmt.Errorf("query returns for %s: %w", jobID, err)
		}
		var minion string
		if err := json.Unmarshal(row.Value, &minion); err != nil {
			return nil, fmt.Errorf("decode view row %s: %w", row.ID, err)
		}
		ret[minion] = row.Doc
	}
	return ret, nil
}

// GetJids lists every job with a saved load.
func (c *Cache) GetJids(ctx context.Context) (map[string]models.JobSummary, error) {
	if err := c.ensureViews(ctx); err != nil {
		return nil, err
	}

	ret := map[string]models.JobSummary{}
	rows := c.store.Query(ctx, kv.ViewQuery{
		Design:      views.DesignName,
		View:        views.JobsView,
		IncludeDocs: true,
	})
	for row, err := range rows {
		if err != nil {
			return nil, fmt.Errorf("query jobs: %w", err)
		}
		var rec models.JobRecord
		if err := json.Unmarshal(row.Doc, &rec); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", row.Key, err)
		}
		ret[row.Key] = rec.Load.Summary(jid.ToTime(row.Key))
	}
	return ret, nil
}

func (c *Cache) ensureViews(ctx context.Context) error {
	if err := c.views.Ensure(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrViewsUnavailable, err)
	}
	return nil
}
