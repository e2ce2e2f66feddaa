package units

import (
	"context"

	"github.com/opsdeck/opsdeck/pkg/observability"
)

// measuredDirectory counts reads against the backing store. It wraps the
// concrete backend, underneath any cache, so cache hits are not counted as
// store reads.
type measuredDirectory struct {
	inner   Directory
	backend string
	metrics *observability.Metrics
}

// NewMeasuredDirectory instruments a directory with read metrics. Returns the
// inner directory unchanged when metrics is nil.
func NewMeasuredDirectory(inner Directory, backend string, metrics *observability.Metrics) Directory {
	if metrics == nil {
		return inner
	}
	return &measuredDirectory{inner: inner, backend: backend, metrics: metrics}
}

func (d *measuredDirectory) ListUnits(ctx context.Context) ([]Unit, error) {
	units, err := d.inner.ListUnits(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.DirectoryReadsTotal.WithLabelValues(d.backend, status).Inc()
	return units, err
}
