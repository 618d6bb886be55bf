package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bilal/hubtiming-agent/internal/message"
	"github.com/bilal/hubtiming-agent/internal/metrics"
	"github.com/bilal/hubtiming-agent/internal/reporter"
	"github.com/bilal/hubtiming-agent/internal/stats"
	"github.com/bilal/hubtiming-agent/internal/transport"
)

// HandleMessage dispatches one cloud-to-device message and settles it:
// Complete when handled, Reject on any error.
func (m *Monitor) HandleMessage(_ context.Context, in *transport.Inbound) {
	if err := m.dispatch(in); err != nil {
		metrics.Statuses.WithLabelValues(metrics.StatusRejected).Inc()
		log.Warn().Err(err).Str("message_id", in.MessageID).Msg("client message error")

		if err := in.Reject(); err != nil {
			log.Error().Err(err).Msg("reject error")
		}
		return
	}

	if err := in.Complete(); err != nil {
		log.Error().Err(err).Msg("complete error")
	}
}

func (m *Monitor) dispatch(in *transport.Inbound) error {
	env, err := message.Decode(in.MessageID, in.Payload)
	if err != nil {
		return err
	}

	switch env.Type {
	case message.TypeStatus:
		st, err := message.ParseStatus(env)
		if err != nil {
			return err
		}
		m.HandleStatus(st)
		return nil
	default:
		return fmt.Errorf("%w: %q", message.ErrUnrecognizedType, env.Type)
	}
}

// HandleStatus reconciles a validated status. Only ids still pending from
// this run are accounted; anything else leaves the statistics untouched.
// It reports whether the status was accounted.
func (m *Monitor) HandleStatus(st *message.Status) bool {
	now := m.clock.Now()

	sentAt, ok := m.pending.Take(st.ID)
	if !ok {
		metrics.Statuses.WithLabelValues(metrics.StatusUnknownID).Inc()
		log.Debug().Str("id", st.ID).Msg("status for unknown correlation id")
		logAverages(m.stats.Snapshot())
		return false
	}

	s := m.stats.Apply(stats.Update{
		C2D: millis(now.Sub(st.Time)),
		RT:  millis(now.Sub(sentAt)),
		D2C: st.D2C,
		ACK: st.ACK,
	})

	metrics.Statuses.WithLabelValues(metrics.StatusReconciled).Inc()
	metrics.PendingTimings.Set(float64(m.pending.Len()))
	metrics.ObserveStats(s)
	logAverages(s)

	if m.reports != nil {
		r := reporter.Report{
			DeviceID:      m.deviceID,
			Timestamp:     now,
			CorrelationID: st.ID,
			Stats:         s,
		}
		if m.pingMon != nil {
			pm := m.pingMon.GetMetrics()
			r.ProbeRTTMs = pm.AvgLatencyMs
			r.ProbeJitterMs = pm.JitterMs
		}
		m.reports.Send(r)
	}
	return true
}

func logAverages(s stats.Stats) {
	log.Info().
		Float64("d2c_ms", s.D2C.Average).
		Float64("c2d_ms", s.C2D.Average).
		Float64("rt_ms", s.RT.Average).
		Float64("ack_ms", s.ACK.Average).
		Msg("latency averages")
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
