package units

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/opsdeck/pkg/observability"
)

func TestMeasuredDirectory_CountsReads(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	inner := newMemDirectory(Unit{ID: "ops"})
	d := NewMeasuredDirectory(inner, "file", metrics)

	_, err := d.ListUnits(context.Background())
	require.NoError(t, err)
	_, err = d.ListUnits(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(metrics.DirectoryReadsTotal.WithLabelValues("file", "ok")))

	inner.err = errors.New("store down")
	_, err = d.ListUnits(context.Background())
	require.Error(t, err)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.DirectoryReadsTotal.WithLabelValues("file", "error")))
}

func TestMeasuredDirectory_NilMetricsPassthrough(t *testing.T) {
	inner := newMemDirectory(Unit{ID: "ops"})
	d := NewMeasuredDirectory(inner, "file", nil)

	assert.Equal(t, Directory(inner), d)
}
