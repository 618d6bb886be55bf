package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricAdd(t *testing.T) {
	var m Metric
	m.Add(10)
	m.Add(30)

	require.Equal(t, 30.0, m.Last)
	require.Equal(t, 40.0, m.Total)
	require.Equal(t, int64(2), m.Count)
	require.Equal(t, 20.0, m.Average)
}

func TestSnapshotZeroCountHasZeroAverage(t *testing.T) {
	m := Snapshot{Last: 3, Total: 3, Count: 0}.Metric()
	require.Equal(t, 0.0, m.Average)
}

func TestStoreApply(t *testing.T) {
	s := NewStore()

	got := s.Apply(Update{
		C2D: 50,
		RT:  150,
		D2C: Snapshot{Last: 5, Total: 5, Count: 1},
		ACK: Snapshot{Last: 2, Total: 2, Count: 1},
	})

	require.Equal(t, Metric{Last: 50, Total: 50, Count: 1, Average: 50}, got.C2D)
	require.Equal(t, Metric{Last: 150, Total: 150, Count: 1, Average: 150}, got.RT)
	require.Equal(t, 5.0, got.D2C.Average)
	require.Equal(t, 2.0, got.ACK.Average)
	require.Equal(t, got, s.Snapshot())
}

func TestStoreReplacesRelayedMetrics(t *testing.T) {
	s := NewStore()
	s.Apply(Update{C2D: 1, RT: 1, D2C: Snapshot{Last: 9, Total: 90, Count: 10}, ACK: Snapshot{Last: 1, Total: 1, Count: 1}})
	got := s.Apply(Update{C2D: 3, RT: 5, D2C: Snapshot{Last: 4, Total: 12, Count: 3}, ACK: Snapshot{Last: 6, Total: 8, Count: 2}})

	require.Equal(t, Metric{Last: 4, Total: 12, Count: 3, Average: 4}, got.D2C)
	require.Equal(t, Metric{Last: 6, Total: 8, Count: 2, Average: 4}, got.ACK)
	require.Equal(t, 6.0, got.RT.Total)
	require.Equal(t, int64(2), got.C2D.Count)
}
