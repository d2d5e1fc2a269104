package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/jobcache/internal/api/response"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Collector is satisfied by *sdkmetric.ManualReader.
type Collector interface {
	Collect(ctx context.Context, rm *metricdata.ResourceMetrics) error
}

// MetricPoint is one counter series.
type MetricPoint struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value"`
}

// NewMetricsHandler returns an http.HandlerFunc for GET /api/v1/metrics.
// It reports the current value of every integer counter.
func NewMetricsHandler(c Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rm metricdata.ResourceMetrics
		if err := c.Collect(r.Context(), &rm); err != nil {
			writeError(w, r, err)
			return
		}

		out := map[string][]MetricPoint{}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					continue
				}
				points := []MetricPoint{}
				for _, dp := range sum.DataPoints {
					p := MetricPoint{Value: dp.Value}
					for _, attr := range dp.Attributes.ToSlice() {
						if p.Attributes == nil {
							p.Attributes = map[string]string{}
						}
						p.Attributes[string(attr.Key)] = attr.Value.Emit()
					}
					points = append(points, p)
				}
				out[m.Name] = points
			}
		}
		response.JSON(w, out)
	}
}
