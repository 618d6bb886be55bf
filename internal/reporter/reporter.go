package reporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bilal/hubtiming-agent/internal/backoff"
	"github.com/bilal/hubtiming-agent/internal/config"
)

const (
	batchSize   = 100
	maxAttempts = 6
)

// Reporter uploads latency reports in batches with retries and buffering.
type Reporter struct {
	sink         Sink
	queue        chan Report
	wg           sync.WaitGroup
	sendInterval time.Duration
	flushTimeout time.Duration
	maxQueue     int
	policy       backoff.Policy
	ctx          context.Context
	cancel       context.CancelFunc
}

// New creates a reporter; it does NOT start the send loop.
func New(cfg config.ReportConfig, sink Sink) *Reporter {
	maxQ := cfg.MaxQueueSize
	if maxQ <= 0 {
		maxQ = 1000
	}
	interval := cfg.SendInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		sink:         sink,
		queue:        make(chan Report, maxQ),
		sendInterval: interval,
		flushTimeout: timeout,
		maxQueue:     maxQ,
		policy:       backoff.Policy{MaxAttempts: maxAttempts, BaseDelay: 500 * time.Millisecond},
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start background sender loop. Call once.
func (c *Reporter) Start() {
	c.wg.Add(1)
	go c.loop()
	log.Info().Int("queue_capacity", c.maxQueue).Msg("reporter started")
}

// Shutdown stops the sender and waits for queued reports to be flushed
// (bounded by ctx).
func (c *Reporter) Shutdown(ctx context.Context) {
	log.Info().Msg("reporter shutdown initiated")
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("reporter shutdown complete")
	case <-ctx.Done():
		log.Warn().Msg("reporter shutdown timeout")
	}

	if err := c.sink.Close(); err != nil {
		log.Error().Err(err).Msg("close report sink")
	}
}

// Send enqueues a report. Non-blocking: if the queue is full, it drops the
// oldest report.
func (c *Reporter) Send(r Report) {
	select {
	case c.queue <- r:
		return
	default:
	}

	// queue full: drop oldest (read one) then enqueue
	select {
	case <-c.queue:
	default:
	}
	select {
	case c.queue <- r:
	default:
		log.Warn().Msg("report dropped: queue full")
	}
}

// loop batches and sends
func (c *Reporter) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sendInterval)
	defer ticker.Stop()

	buffer := make([]Report, 0, batchSize)

	for {
		select {
		case <-c.ctx.Done():
			// flush remaining
			for {
				select {
				case r := <-c.queue:
					buffer = append(buffer, r)
				default:
					if len(buffer) > 0 {
						ctx, cancel := context.WithTimeout(context.Background(), c.flushTimeout)
						c.flush(ctx, buffer)
						cancel()
					}
					return
				}
			}

		case r := <-c.queue:
			buffer = append(buffer, r)
			if len(buffer) >= batchSize {
				c.flush(c.ctx, buffer)
				buffer = buffer[:0]
			}

		case <-ticker.C:
			if len(buffer) > 0 {
				c.flush(c.ctx, buffer)
				buffer = buffer[:0]
			}
		}
	}
}

func (c *Reporter) flush(ctx context.Context, items []Report) {
	err := c.policy.Retry(ctx, "report upload", func(ctx context.Context) (bool, error) {
		return c.sink.Deliver(ctx, items)
	})
	if err != nil {
		log.Error().Err(err).Int("count", len(items)).Msg("dropping report batch")
		return
	}
	log.Debug().Int("count", len(items)).Msg("reports delivered")
}

// HTTPSink posts report batches as a JSON array.
type HTTPSink struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPSink(cfg config.ReportConfig) *HTTPSink {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	token := ""
	if cfg.AuthTokenEnv != "" {
		token = os.Getenv(cfg.AuthTokenEnv)
	}

	return &HTTPSink{
		endpoint: cfg.BackendURL,
		token:    token,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: tlsCfg,
			},
		},
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, items []Report) (bool, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return false, fmt.Errorf("marshal reports: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	// correlation header for the batch (first item)
	if len(items) > 0 {
		req.Header.Set("X-Correlation-ID", items[0].CorrelationID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("bad status: %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("bad status: %d", resp.StatusCode)
	}
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
