package jobcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/target"
	"github.com/kiranshivaraju/jobcache/pkg/models"
)

// SaveLoad attaches the clear load to a reserved job, together with the
// minions its target resolves to. The write is guarded by the CAS of the
// record it read; a concurrent writer makes it fail with ErrLoadConflict
// rather than overwrite.
func (c *Cache) SaveLoad(ctx context.Context, jobID string, load models.Load) error {
	if !validID(jobID) {
		return fmt.Errorf("%w: jid %q", ErrInvalidKey, jobID)
	}
	outcome, err := c.saveLoad(ctx, jobID, load)
	c.metrics.loaded(ctx, outcome)
	return err
}

// saveLoad does the work of SaveLoad and reports the outcome to count.
func (c *Cache) saveLoad(ctx context.Context, jobID string, load models.Load) (string, error) {
	job, err := c.store.Get(ctx, jobID)
	if errors.Is(err, kv.ErrNotFound) {
		c.logger.Warn("could not write job cache file for jid", "jid", jobID)
		return outcomeUnknownJob, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return outcomeError, fmt.Errorf("get job %s: %w", jobID, err)
	}

	// Decode loosely so fields written by other tools survive the rewrite.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(job.Value, &fields); err != nil {
		return outcomeError, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}

	if tgt, ok := load.Target(); ok && c.resolver != nil {
		minions, err := c.resolver.CheckMinions(ctx, tgt, load.TargetType())
		switch {
		case errors.Is(err, target.ErrUnsupportedType):
			c.logger.Warn("target type not resolvable, saving load without minions",
				"jid", jobID, "tgt_type", load.TargetType())
		case err != nil:
			return outcomeError, fmt.Errorf("resolve target for %s: %w", jobID, err)
		default:
			raw, err := json.Marshal(minions)
			if err != nil {
				return outcomeError, fmt.Errorf("encode minions for %s: %w", jobID, err)
			}
			fields["minions"] = raw
		}
	}

	rawLoad, err := json.Marshal(load)
	if err != nil {
		return outcomeError, fmt.Errorf("encode load for %s: %w", jobID, err)
	}
	fields["load"] = rawLoad

	doc, err := json.Marshal(fields)
	if err != nil {
		return outcomeError, fmt.Errorf("encode job %s: %w", jobID, err)
	}

	_, err = c.store.Replace(ctx, jobID, doc, job.CAS, c.ttl)
	switch {
	case errors.Is(err, kv.ErrCASMismatch):
		c.logger.Error("job record changed while saving load", "jid", jobID)
		return outcomeConflict, fmt.Errorf("%w: %s", ErrLoadConflict, jobID)
	case errors.Is(err, kv.ErrNotFound):
		// Expired between read and write.
		return outcomeUnknownJob, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	case err != nil:
		return outcomeError, fmt.Errorf("save load for %s: %w", jobID, err)
	}

	return outcomeStored, nil
}

// GetLoad returns the load saved for jobID with the resolved minions under
// "Minions". Unknown jobs and jobs without a load yield an empty map.
func (c *Cache) GetLoad(ctx context.Context, jobID string) (map[string]any, error) {
	ret := map[string]any{}
	if !validID(jobID) {
		return ret, nil
	}

	job, err := c.store.Get(ctx, jobID)
	if errors.Is(err, kv.ErrNotFound) {
		return ret, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	var rec models.JobRecord
	if err := json.Unmarshal(job.Value, &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	for k, v := range rec.Load {
		ret[k] = v
	}
	if rec.Minions != nil {
		ret["Minions"] = rec.Minions
	}
	return ret, nil
}
