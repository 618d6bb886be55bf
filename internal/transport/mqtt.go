package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog/log"

	"github.com/bilal/hubtiming-agent/internal/backoff"
)

// MessageIDProperty is the MQTT user property carrying the correlation id.
const MessageIDProperty = "messageId"

// MQTTOptions configure topics and connection behaviour of MQTT.
type MQTTOptions struct {
	TelemetryTopic  string
	StatusTopic     string
	QoS             byte
	ConnectAttempts int
	ConnectTimeout  time.Duration
	// RetryDelay is the base delay between connect attempts.
	RetryDelay time.Duration
}

// MQTT is a Transport over MQTT v5 with manual acknowledgment of inbound
// messages.
type MQTT struct {
	settings *Settings
	opts     MQTTOptions

	mu     sync.RWMutex
	client *paho.Client

	errs   chan error
	closed atomic.Bool
}

var _ Transport = (*MQTT)(nil)

func NewMQTT(settings *Settings, opts MQTTOptions) *MQTT {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &MQTT{
		settings: settings,
		opts:     opts,
		errs:     make(chan error, 1),
	}
}

// Connect dials the broker, retrying with backoff up to ConnectAttempts.
func (t *MQTT) Connect(ctx context.Context) error {
	policy := backoff.Policy{
		MaxAttempts: t.opts.ConnectAttempts,
		BaseDelay:   t.opts.RetryDelay,
	}
	return policy.Retry(ctx, "mqtt connect", func(ctx context.Context) (bool, error) {
		return true, t.connectOnce(ctx)
	})
}

func (t *MQTT) connectOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	conn, err := t.settings.Dial(ctx)
	if err != nil {
		return err
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: t.settings.ClientID,
		Conn:     conn,
		// Inbound messages are acknowledged once the handler settles them.
		EnableManualAcknowledgment: true,
		OnClientError:              t.onClientError,
		OnServerDisconnect:         t.onServerDisconnect,
	})

	connack, err := client.Connect(ctx, t.settings.connectPacket())
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	if connack != nil && connack.ReasonCode >= 0x80 {
		_ = conn.Close()
		return fmt.Errorf("mqtt connect refused: reason code %d", connack.ReasonCode)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	log.Info().Str("broker", t.settings.Address()).Str("client_id", t.settings.ClientID).Msg("mqtt connected")
	return nil
}

func (t *MQTT) current() (*paho.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

// Send publishes out to the telemetry topic.
func (t *MQTT) Send(ctx context.Context, out Outbound) error {
	client, err := t.current()
	if err != nil {
		return err
	}

	pub := &paho.Publish{
		QoS:     t.opts.QoS,
		Topic:   t.opts.TelemetryTopic,
		Payload: out.Payload,
		Properties: &paho.PublishProperties{
			ContentType:     "application/json",
			CorrelationData: []byte(out.MessageID),
			User: paho.UserProperties{
				{Key: MessageIDProperty, Value: out.MessageID},
			},
		},
	}

	res, err := client.Publish(ctx, pub)
	if err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	// QoS 0 publishes may return no response.
	if res != nil && res.ReasonCode >= 0x80 {
		return fmt.Errorf("mqtt publish refused: reason code %d", res.ReasonCode)
	}
	return nil
}

// Subscribe routes messages on the status topic to h.
func (t *MQTT) Subscribe(ctx context.Context, h Handler) error {
	client, err := t.current()
	if err != nil {
		return err
	}

	filter := t.opts.StatusTopic
	remove := client.AddOnPublishReceived(func(pr paho.PublishReceived) (bool, error) {
		if !IsTopicFilterMatch(filter, pr.Packet.Topic) {
			return false, nil
		}
		h(ctx, t.buildInbound(client, pr.Packet))
		return true, nil
	})

	suback, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: t.opts.QoS},
		},
	})
	if err != nil {
		remove()
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	if suback != nil {
		for _, reason := range suback.Reasons {
			if reason >= 0x80 {
				remove()
				return fmt.Errorf("mqtt subscribe %s refused: reason code %d", filter, reason)
			}
		}
	}

	log.Info().Str("topic", filter).Msg("subscribed to status messages")
	return nil
}

func (t *MQTT) buildInbound(client *paho.Client, p *paho.Publish) *Inbound {
	var messageID string
	if p.Properties != nil {
		messageID = p.Properties.User.Get(MessageIDProperty)
	}

	var acked atomic.Bool
	ack := func() error {
		// More than one settlement is a no-op; QoS 0 has nothing to ack.
		if p.QoS == 0 || !acked.CompareAndSwap(false, true) {
			return nil
		}
		if err := client.Ack(p); err != nil {
			return fmt.Errorf("mqtt ack: %w", err)
		}
		return nil
	}

	// MQTT has no negative acknowledgment for the receiver. A rejected
	// message is still acked so the broker does not redeliver it.
	reject := func() error {
		log.Warn().Str("topic", p.Topic).Str("message_id", messageID).Msg("acknowledging rejected message")
		return ack()
	}

	return NewInbound(messageID, p.Topic, p.Payload, ack, reject)
}

// Errors reports client errors and server disconnects after Connect.
func (t *MQTT) Errors() <-chan error {
	return t.errs
}

func (t *MQTT) onClientError(err error) {
	t.report(fmt.Errorf("mqtt client error: %w", err))
}

func (t *MQTT) onServerDisconnect(d *paho.Disconnect) {
	t.report(fmt.Errorf("mqtt server disconnected: reason code %d", d.ReasonCode))
}

func (t *MQTT) report(err error) {
	if t.closed.Load() {
		return
	}
	select {
	case t.errs <- err:
	default:
		log.Error().Err(err).Msg("transport error dropped, one already pending")
	}
}

// Close disconnects from the broker.
func (t *MQTT) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	client, err := t.current()
	if err != nil {
		return nil
	}
	if err := client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}
