// Package metrics exposes the agent's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bilal/hubtiming-agent/internal/stats"
)

const (
	StatusReconciled = "reconciled"
	StatusUnknownID  = "unknown_id"
	StatusRejected   = "rejected"
)

var (
	LatencyAverage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hubtiming_latency_average_ms",
		Help: "Running average latency in milliseconds",
	}, []string{"metric"})

	LatencyLast = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hubtiming_latency_last_ms",
		Help: "Most recent latency in milliseconds",
	}, []string{"metric"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubtiming_messages_sent_total",
		Help: "Telemetry messages accepted by the hub",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubtiming_send_failures_total",
		Help: "Telemetry messages the transport failed to send",
	})

	Statuses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubtiming_statuses_total",
		Help: "Inbound messages by outcome",
	}, []string{"result"})

	PendingTimings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hubtiming_pending_timings",
		Help: "Sent telemetry still waiting for a status",
	})

	PendingEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubtiming_pending_evicted_total",
		Help: "Pending timings dropped after the TTL expired",
	})

	ProbeRTT = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hubtiming_probe_rtt_ms",
		Help: "Average ICMP round trip to the broker host in milliseconds",
	})
)

// ObserveStats publishes the four latency metrics.
func ObserveStats(s stats.Stats) {
	for name, m := range map[string]stats.Metric{
		"C2D": s.C2D,
		"D2C": s.D2C,
		"RT":  s.RT,
		"ACK": s.ACK,
	} {
		LatencyAverage.WithLabelValues(name).Set(m.Average)
		LatencyLast.WithLabelValues(name).Set(m.Last)
	}
}
