package jobcache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/kiranshivaraju/jobcache"

// Outcomes recorded on the returns and loads counters.
const (
	outcomeStored     = "stored"
	outcomeNoCache    = "nocache"
	outcomeDuplicate  = "duplicate"
	outcomeUnknownJob = "unknown_job"
	outcomeConflict   = "conflict"
	outcomeError      = "error"
)

type metrics struct {
	allocations metric.Int64Counter
	collisions  metric.Int64Counter
	returns     metric.Int64Counter
	loads       metric.Int64Counter
}

// newMetrics creates the instruments. The OTel API returns usable noop
// instruments alongside any error, so errors are dropped.
func newMetrics(meter metric.Meter) *metrics {
	allocations, _ := meter.Int64Counter("jobcache.jid.allocations",
		metric.WithDescription("Job ids reserved"),
		metric.WithUnit("{jid}"))
	collisions, _ := meter.Int64Counter("jobcache.jid.collisions",
		metric.WithDescription("Job id candidates rejected because they already existed"),
		metric.WithUnit("{jid}"))
	returns, _ := meter.Int64Counter("jobcache.returns",
		metric.WithDescription("Minion returns handled, by outcome"),
		metric.WithUnit("{return}"))
	loads, _ := meter.Int64Counter("jobcache.loads",
		metric.WithDescription("Job loads saved, by outcome"),
		metric.WithUnit("{load}"))
	return &metrics{
		allocations: allocations,
		collisions:  collisions,
		returns:     returns,
		loads:       loads,
	}
}

func (m *metrics) returned(ctx context.Context, outcome string) {
	m.returns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) loaded(ctx context.Context, outcome string) {
	m.loads.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
