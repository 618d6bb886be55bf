package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ping/ping"
	"github.com/rs/zerolog/log"

	"github.com/bilal/hubtiming-agent/internal/metrics"
)

// PingMetrics is the ICMP baseline to the broker host.
type PingMetrics struct {
	AvgLatencyMs float64
	PacketLoss   float64
	JitterMs     float64
}

// PingMonitor measures the network round trip to the broker host so the
// application latencies can be compared against it.
type PingMonitor struct {
	host    string
	count   int
	running atomic.Bool
	mutex   sync.RWMutex
	metrics PingMetrics
}

func NewPingMonitor(host string, count int) *PingMonitor {
	return &PingMonitor{
		host:  host,
		count: count,
	}
}

// RunOnce pings the host count times. Overlapping calls are skipped.
func (pm *PingMonitor) RunOnce() {
	if !pm.running.CompareAndSwap(false, true) {
		return
	}
	defer pm.running.Store(false)

	pinger, err := ping.NewPinger(pm.host)
	if err != nil {
		log.Warn().Err(err).Str("host", pm.host).Msg("ping create error")
		return
	}

	pinger.Count = pm.count
	pinger.Timeout = time.Duration(pm.count+1) * time.Second
	pinger.SetPrivileged(true)

	var rtts []time.Duration
	pinger.OnRecv = func(pkt *ping.Packet) {
		rtts = append(rtts, pkt.Rtt)
	}

	if err := pinger.Run(); err != nil {
		log.Warn().Err(err).Str("host", pm.host).Msg("ping run error")
		return
	}

	st := pinger.Statistics()
	result := PingMetrics{
		AvgLatencyMs: millis(st.AvgRtt),
		PacketLoss:   st.PacketLoss,
		JitterMs:     meanJitterMs(rtts),
	}

	pm.mutex.Lock()
	pm.metrics = result
	pm.mutex.Unlock()

	metrics.ProbeRTT.Set(result.AvgLatencyMs)
	log.Debug().
		Str("host", pm.host).
		Float64("rtt_ms", result.AvgLatencyMs).
		Float64("packet_loss", result.PacketLoss).
		Float64("jitter_ms", result.JitterMs).
		Msg("probe completed")
}

func (pm *PingMonitor) GetMetrics() PingMetrics {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	return pm.metrics
}

// meanJitterMs is the mean absolute difference between consecutive RTTs.
func meanJitterMs(rtts []time.Duration) float64 {
	if len(rtts) < 2 {
		return 0
	}
	var total time.Duration
	for i := 1; i < len(rtts); i++ {
		diff := rtts[i] - rtts[i-1]
		if diff < 0 {
			diff = -diff
		}
		total += diff
	}
	return millis(total) / float64(len(rtts)-1)
}
