package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("stock:reconcile_sweep").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("stock:reconcile_sweep").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("stock:reconcile_sweep", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("stock:reconcile_sweep")))
}

func TestAddDrift(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddDrift(1, 0, 3)
	m.AddDrift(1, 0, 0)
	m.LockSkipped("stock:reconcile_sweep")
	require.Equal(t, 3.0, testutil.ToFloat64(m.drift.WithLabelValues("1", "0")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.lockSkipped.WithLabelValues("stock:reconcile_sweep")))

	var nilMetrics *Metrics
	nilMetrics.AddDrift(1, 1, 1)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
