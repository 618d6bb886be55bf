package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/bilal/hubtiming-agent/internal/stats"
)

func TestObserveStats(t *testing.T) {
	ObserveStats(stats.Stats{
		C2D: stats.Metric{Last: 50, Average: 40},
		RT:  stats.Metric{Last: 150, Average: 120},
		D2C: stats.Metric{Last: 5, Average: 5},
		ACK: stats.Metric{Last: 2, Average: 3},
	})

	require.Equal(t, 40.0, testutil.ToFloat64(LatencyAverage.WithLabelValues("C2D")))
	require.Equal(t, 150.0, testutil.ToFloat64(LatencyLast.WithLabelValues("RT")))
	require.Equal(t, 3.0, testutil.ToFloat64(LatencyAverage.WithLabelValues("ACK")))
	require.Equal(t, 5.0, testutil.ToFloat64(LatencyLast.WithLabelValues("D2C")))
}
