package stats

import "sync"

// Metric is a running latency accumulator. All values are milliseconds.
type Metric struct {
	Last    float64 `json:"last"`
	Total   float64 `json:"total"`
	Count   int64   `json:"count"`
	Average float64 `json:"average"`
}

// Add records one observation.
func (m *Metric) Add(v float64) {
	m.Last = v
	m.Total += v
	m.Count++
	m.recompute()
}

func (m *Metric) recompute() {
	if m.Count == 0 {
		m.Average = 0
		return
	}
	m.Average = m.Total / float64(m.Count)
}

// Snapshot is the wire form of a metric relayed by the hub. The average is
// never taken from the wire.
type Snapshot struct {
	Last  float64 `json:"last"`
	Total float64 `json:"total"`
	Count int64   `json:"count"`
}

// Metric converts the snapshot into a Metric with a locally derived average.
func (s Snapshot) Metric() Metric {
	m := Metric{Last: s.Last, Total: s.Total, Count: s.Count}
	m.recompute()
	return m
}

// Stats holds the four latency metrics tracked by the device.
type Stats struct {
	C2D Metric `json:"C2D"`
	D2C Metric `json:"D2C"`
	RT  Metric `json:"RT"`
	ACK Metric `json:"ACK"`
}

// Update carries the result of one reconciliation.
type Update struct {
	C2D float64
	RT  float64
	D2C Snapshot
	ACK Snapshot
}

// Store guards Stats for the lifetime of the process.
type Store struct {
	mu    sync.RWMutex
	stats Stats
}

func NewStore() *Store {
	return &Store{}
}

// Apply folds one reconciliation into the store and returns the result.
// C2D and RT accumulate locally; D2C and ACK are replaced wholesale.
func (s *Store) Apply(u Update) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.C2D.Add(u.C2D)
	s.stats.D2C = u.D2C.Metric()
	s.stats.RT.Add(u.RT)
	s.stats.ACK = u.ACK.Metric()

	return s.stats
}

// Snapshot returns a copy of the current stats.
func (s *Store) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
