package hubsim

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bilal/hubtiming-agent/internal/config"
	"github.com/bilal/hubtiming-agent/internal/message"
	"github.com/bilal/hubtiming-agent/internal/monitor"
	"github.com/bilal/hubtiming-agent/internal/transport"
)

const hubPort = 18841

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func telemetry(t *testing.T, deviceID string, at time.Time) []byte {
	t.Helper()
	b, err := json.Marshal(message.NewTelemetry(deviceID, at))
	require.NoError(t, err)
	return b
}

func TestRespond(t *testing.T) {
	h := New("127.0.0.1:0")
	h.now = func() time.Time { return base.Add(40 * time.Millisecond) }

	topic, body, err := h.Respond("devices/dev1/messages/events", "A", telemetry(t, "dev1", base), base.Add(30*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, "devices/dev1/messages/devicebound", topic)

	env, err := message.Decode("", body)
	require.NoError(t, err)
	st, err := message.ParseStatus(env)
	require.NoError(t, err)
	require.Equal(t, "A", st.ID)
	require.True(t, st.Time.Equal(base.Add(40*time.Millisecond)))
	require.InDelta(t, 30, st.D2C.Last, 1e-9)
	require.Equal(t, int64(1), st.D2C.Count)
	require.InDelta(t, 10, st.ACK.Last, 1e-9)

	_, body, err = h.Respond("devices/dev1/messages/events", "B", telemetry(t, "dev1", base), base.Add(50*time.Millisecond))
	require.NoError(t, err)
	env, err = message.Decode("", body)
	require.NoError(t, err)
	st, err = message.ParseStatus(env)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.D2C.Count)
	require.InDelta(t, 80, st.D2C.Total, 1e-9)
}

func TestRespondKeepsDevicesApart(t *testing.T) {
	h := New("127.0.0.1:0")
	h.now = func() time.Time { return base }

	_, _, err := h.Respond("devices/a/messages/events", "1", telemetry(t, "a", base), base)
	require.NoError(t, err)
	topic, body, err := h.Respond("devices/b/messages/events", "2", telemetry(t, "b", base), base)
	require.NoError(t, err)
	require.Equal(t, "devices/b/messages/devicebound", topic)

	var st message.StatusPayload
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, int64(1), st.D2C.Count)
}

func TestRespondErrors(t *testing.T) {
	h := New("127.0.0.1:0")
	topic := "devices/dev1/messages/events"

	_, _, err := h.Respond(topic, "", telemetry(t, "dev1", base), base)
	require.ErrorIs(t, err, ErrNoMessageID)

	_, _, err = h.Respond(topic, "A", []byte("nope"), base)
	require.ErrorIs(t, err, message.ErrMalformedPayload)

	_, _, err = h.Respond(topic, "A", []byte(`{"type":"status"}`), base)
	require.ErrorIs(t, err, message.ErrUnrecognizedType)

	_, _, err = h.Respond(topic, "A", []byte(`{"type":"time","time":"soon"}`), base)
	require.ErrorIs(t, err, message.ErrInvalidFormat)

	_, _, err = h.Respond("other", "A", []byte(`{"type":"time","time":"2024-05-01T12:00:00.000Z"}`), base)
	require.ErrorIs(t, err, message.ErrInvalidFormat)
}

func TestDeviceFromTopic(t *testing.T) {
	require.Equal(t, "dev1", deviceFromTopic("devices/dev1/messages/events"))
	require.Empty(t, deviceFromTopic("telemetry"))
	require.Empty(t, deviceFromTopic("things/dev1/messages/events"))
}

func TestEndToEnd(t *testing.T) {
	h := New(fmt.Sprintf("127.0.0.1:%d", hubPort))
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Close() })

	cfg := &config.Config{
		Agent: config.AgentConfig{
			DeviceID:    "dev1",
			Interval:    20 * time.Millisecond,
			SendTimeout: 2 * time.Second,
		},
		Transport: config.TransportConfig{
			TelemetryTopic: "devices/{device}/messages/events",
			StatusTopic:    "devices/{device}/messages/devicebound/#",
			QoS:            1,
		},
	}

	settings, err := transport.ParseConnectionString(fmt.Sprintf("HostName=127.0.0.1;TcpPort=%d;DeviceId=dev1", hubPort))
	require.NoError(t, err)
	tr := transport.NewMQTT(settings, transport.MQTTOptions{
		TelemetryTopic:  cfg.TelemetryTopic(),
		StatusTopic:     cfg.StatusTopic(),
		QoS:             1,
		ConnectAttempts: 2,
		ConnectTimeout:  2 * time.Second,
		RetryDelay:      10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	mon := monitor.New(cfg, tr)
	errc := make(chan error, 1)
	go func() { errc <- mon.Run(ctx) }()

	require.Eventually(t, func() bool {
		return mon.Stats().RT.Count >= 3
	}, 8*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)

	s := mon.Stats()
	require.GreaterOrEqual(t, s.D2C.Count, int64(3))
	require.InDelta(t, s.RT.Total/float64(s.RT.Count), s.RT.Average, 1e-9)
	require.GreaterOrEqual(t, s.RT.Average, 0.0)
}
