package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bilal/hubtiming-agent/internal/config"
	"github.com/bilal/hubtiming-agent/internal/message"
	"github.com/bilal/hubtiming-agent/internal/metrics"
	"github.com/bilal/hubtiming-agent/internal/registry"
	"github.com/bilal/hubtiming-agent/internal/reporter"
	"github.com/bilal/hubtiming-agent/internal/stats"
	"github.com/bilal/hubtiming-agent/internal/transport"
)

// Clock allows for deterministic testing.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// ReportSink receives a report after every reconciled status.
type ReportSink interface {
	Send(r reporter.Report)
}

// Monitor is the device session: it owns the pending timings and the
// latency statistics, emits telemetry on a timer and reconciles statuses.
type Monitor struct {
	deviceID    string
	interval    time.Duration
	pendingTTL  time.Duration
	sendTimeout time.Duration

	transport transport.Transport
	clock     Clock
	pending   *registry.Registry
	stats     *stats.Store
	reports   ReportSink
	pingMon   *PingMonitor

	sendErrs chan error
}

type Option func(*Monitor)

func WithClock(c Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithReports(r ReportSink) Option {
	return func(m *Monitor) { m.reports = r }
}

func WithPingMonitor(p *PingMonitor) Option {
	return func(m *Monitor) { m.pingMon = p }
}

func New(cfg *config.Config, tr transport.Transport, opts ...Option) *Monitor {
	m := &Monitor{
		deviceID:    cfg.Agent.DeviceID,
		interval:    cfg.Agent.Interval,
		pendingTTL:  cfg.Agent.PendingTTL,
		sendTimeout: cfg.Agent.SendTimeout,
		transport:   tr,
		clock:       RealClock{},
		pending:     registry.New(),
		stats:       stats.NewStore(),
		sendErrs:    make(chan error, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run subscribes to status messages and sends telemetry every interval. It
// returns nil when ctx is cancelled and an error when a send fails or the
// transport reports a connection error. Both errors are fatal.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.transport.Subscribe(ctx, m.HandleMessage); err != nil {
		return fmt.Errorf("subscribe to status messages: %w", err)
	}

	log.Info().Dur("interval", m.interval).Msg("setting reporting interval")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("monitor stopping")
			return nil

		case err := <-m.sendErrs:
			return err

		case err := <-m.transport.Errors():
			log.Error().Err(err).Msg("client error")
			return err

		case <-ticker.C:
			m.evictExpired()
			if m.pingMon != nil {
				go m.pingMon.RunOnce()
			}
			m.SendTime(ctx)
		}
	}
}

// SendTime emits one telemetry message. The send timestamp is recorded
// before the transport sees the message; the send itself completes in the
// background and a failure is reported to Run.
func (m *Monitor) SendTime(ctx context.Context) {
	now := m.clock.Now()
	id := uuid.NewString()

	payload, err := json.Marshal(message.NewTelemetry(m.deviceID, now))
	if err != nil {
		log.Error().Err(err).Msg("marshal telemetry failed")
		return
	}

	m.pending.Put(id, now)
	metrics.PendingTimings.Set(float64(m.pending.Len()))

	go func() {
		sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
		defer cancel()
		m.sendDone(ctx, id, m.transport.Send(sendCtx, transport.Outbound{MessageID: id, Payload: payload}))
	}()
}

func (m *Monitor) sendDone(ctx context.Context, id string, err error) {
	if err == nil {
		metrics.MessagesSent.Inc()
		log.Info().Str("correlation_id", id).Msg("sent message")
		return
	}

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		log.Debug().Str("correlation_id", id).Msg("send cancelled by shutdown")
		return
	}

	metrics.SendFailures.Inc()
	log.Error().Err(err).Str("correlation_id", id).Msg("send error")

	select {
	case m.sendErrs <- fmt.Errorf("send %s: %w", id, err):
	default:
	}
}

func (m *Monitor) evictExpired() {
	if m.pendingTTL <= 0 {
		return
	}
	n := m.pending.EvictOlderThan(m.clock.Now().Add(-m.pendingTTL))
	if n == 0 {
		return
	}
	metrics.PendingEvicted.Add(float64(n))
	metrics.PendingTimings.Set(float64(m.pending.Len()))
	log.Warn().Int("evicted", n).Dur("ttl", m.pendingTTL).Msg("dropped pending timings without status")
}

// Stats returns the current latency statistics.
func (m *Monitor) Stats() stats.Stats {
	return m.stats.Snapshot()
}

// Pending returns the number of telemetry messages awaiting a status.
func (m *Monitor) Pending() int {
	return m.pending.Len()
}
