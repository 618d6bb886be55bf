// Package hubsim is a minimal message hub for local runs. It embeds an MQTT
// broker and answers every time telemetry with a status message.
package hubsim

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog/log"

	"github.com/bilal/hubtiming-agent/internal/message"
	"github.com/bilal/hubtiming-agent/internal/stats"
	"github.com/bilal/hubtiming-agent/internal/transport"
)

const (
	TelemetryFilter = "devices/+/messages/events"
	statusTopicFmt  = "devices/%s/messages/devicebound"
)

var ErrNoMessageID = errors.New("telemetry has no message id")

type deviceStats struct {
	d2c stats.Metric
	ack stats.Metric
}

// Hub is the simulated hub.
type Hub struct {
	address string
	server  *mochi.Server
	now     func() time.Time

	mu      sync.Mutex
	devices map[string]*deviceStats
}

func New(address string) *Hub {
	return &Hub{
		address: address,
		server:  mochi.New(&mochi.Options{InlineClient: true}),
		now:     time.Now,
		devices: make(map[string]*deviceStats),
	}
}

// Start begins listening and subscribes to device telemetry.
func (h *Hub) Start() error {
	if err := h.server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "hubsim", Address: h.address})
	if err := h.server.AddListener(tcp); err != nil {
		return fmt.Errorf("add listener %s: %w", h.address, err)
	}
	if err := h.server.Serve(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	if err := h.server.Subscribe(TelemetryFilter, 1, h.onTelemetry); err != nil {
		return fmt.Errorf("subscribe %s: %w", TelemetryFilter, err)
	}

	log.Info().Str("address", h.address).Str("filter", TelemetryFilter).Msg("hub simulator listening")
	return nil
}

func (h *Hub) Close() error {
	return h.server.Close()
}

func (h *Hub) onTelemetry(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
	receivedAt := h.now()

	topic, body, err := h.Respond(pk.TopicName, packetMessageID(pk), pk.Payload, receivedAt)
	if err != nil {
		log.Warn().Err(err).Str("topic", pk.TopicName).Msg("ignoring telemetry")
		return
	}

	if err := h.server.Publish(topic, body, false, 1); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("publish status failed")
		return
	}
	log.Debug().Str("topic", topic).Msg("status sent")
}

// Respond builds the status for one telemetry message received at
// receivedAt. It returns the status topic and payload.
func (h *Hub) Respond(topic, messageID string, payload []byte, receivedAt time.Time) (string, []byte, error) {
	if messageID == "" {
		return "", nil, ErrNoMessageID
	}

	var tel message.Telemetry
	if err := json.Unmarshal(payload, &tel); err != nil {
		return "", nil, fmt.Errorf("%w: %v", message.ErrMalformedPayload, err)
	}
	if tel.Type != message.TypeTime {
		return "", nil, fmt.Errorf("%w: %q", message.ErrUnrecognizedType, tel.Type)
	}
	sentAt, err := tel.SentAt()
	if err != nil {
		return "", nil, fmt.Errorf("%w: time: %v", message.ErrInvalidFormat, err)
	}

	deviceID := deviceFromTopic(topic)
	if deviceID == "" {
		deviceID = tel.DeviceID
	}
	if deviceID == "" {
		return "", nil, fmt.Errorf("%w: no device id", message.ErrInvalidFormat)
	}

	h.mu.Lock()
	ds, ok := h.devices[deviceID]
	if !ok {
		ds = &deviceStats{}
		h.devices[deviceID] = ds
	}
	ds.d2c.Add(millis(receivedAt.Sub(sentAt)))
	now := h.now()
	ds.ack.Add(millis(now.Sub(receivedAt)))
	status := message.NewStatusPayload(messageID, now, ds.d2c, ds.ack)
	h.mu.Unlock()

	body, err := json.Marshal(status)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf(statusTopicFmt, deviceID), body, nil
}

// deviceFromTopic extracts the device id from devices/{id}/messages/events.
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != "devices" {
		return ""
	}
	return parts[1]
}

func packetMessageID(pk packets.Packet) string {
	for _, p := range pk.Properties.User {
		if p.Key == transport.MessageIDProperty {
			return p.Val
		}
	}
	return string(pk.Properties.CorrelationData)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
