package reporter

import (
	"context"
	"time"

	"github.com/bilal/hubtiming-agent/internal/stats"
)

// Report is the JSON payload uploaded after each reconciled status.
type Report struct {
	DeviceID      string      `json:"device_id"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Stats         stats.Stats `json:"stats"`
	ProbeRTTMs    float64     `json:"probe_rtt_ms,omitempty"`
	ProbeJitterMs float64     `json:"probe_jitter_ms,omitempty"`
}

// Sink delivers a batch of reports to a backend. It reports whether a failed
// delivery is worth retrying.
type Sink interface {
	Deliver(ctx context.Context, batch []Report) (retry bool, err error)
	Close() error
}
