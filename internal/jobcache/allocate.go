package jobcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/pkg/models"
)

// Allocate reserves a fresh job id. The reservation is the atomic creation
// of the job record, so two callers can never receive the same id.
// Collisions are retried with a new candidate until ctx is done.
func (c *Cache) Allocate(ctx context.Context, nocache bool) (string, error) {
	doc, err := json.Marshal(models.JobRecord{NoCache: nocache})
	if err != nil {
		return "", fmt.Errorf("encode job record: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		candidate := c.gen.Next()
		if !validID(candidate) {
			return "", fmt.Errorf("%w: generated jid %q", ErrInvalidKey, candidate)
		}

		_, err := c.store.Add(ctx, candidate, doc, c.ttl)
		if errors.Is(err, kv.ErrKeyExists) {
			c.metrics.collisions.Add(ctx, 1)
			c.logger.Debug("jid collision, retrying", "jid", candidate)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reserve jid %s: %w", candidate, err)
		}

		c.metrics.allocations.Add(ctx, 1)
		return candidate, nil
	}
}
