package jobcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/pkg/models"
)

// Returner records one minion's result for a job. Each (jid, minion) pair
// is written at most once; a second return for the same pair is rejected
// with ErrDuplicateReturn. Jobs reserved with nocache accept returns
// without storing them.
func (c *Cache) Returner(ctx context.Context, ret models.Return) error {
	if !validID(ret.Jid) || !validID(ret.ID) {
		return fmt.Errorf("%w: jid %q, minion %q", ErrInvalidKey, ret.Jid, ret.ID)
	}

	job, err := c.store.Get(ctx, ret.Jid)
	if errors.Is(err, kv.ErrNotFound) {
		c.logger.Error("an inconsistency occurred, a job was received with a job id that is not present in the local cache",
			"jid", ret.Jid, "minion", ret.ID)
		c.metrics.returned(ctx, outcomeUnknownJob)
		return fmt.Errorf("%w: %s", ErrJobNotFound, ret.Jid)
	}
	if err != nil {
		c.metrics.returned(ctx, outcomeError)
		return fmt.Errorf("get job %s: %w", ret.Jid, err)
	}

	var rec models.JobRecord
	if err := json.Unmarshal(job.Value, &rec); err != nil {
		c.metrics.returned(ctx, outcomeError)
		return fmt.Errorf("decode job %s: %w", ret.Jid, err)
	}
	if rec.NoCache {
		c.metrics.returned(ctx, outcomeNoCache)
		return nil
	}

	doc, err := json.Marshal(models.ResultRecord{Return: ret.Return, Out: ret.Out})
	if err != nil {
		c.metrics.returned(ctx, outcomeError)
		return fmt.Errorf("encode return from %s: %w", ret.ID, err)
	}

	_, err = c.store.Add(ctx, ResultKey(ret.Jid, ret.ID), doc, c.ttl)
	if errors.Is(err, kv.ErrKeyExists) {
		c.logger.Error("an extra return was detected from minion, please verify the minion, this could be a replay attack",
			"jid", ret.Jid, "minion", ret.ID)
		c.metrics.returned(ctx, outcomeDuplicate)
		return fmt.Errorf("%w: minion %s for job %s", ErrDuplicateReturn, ret.ID, ret.Jid)
	}
	if err != nil {
		c.metrics.returned(ctx, outcomeError)
		return fmt.Errorf("store return from %s: %w", ret.ID, err)
	}

	c.metrics.returned(ctx, outcomeStored)
	return nil
}
