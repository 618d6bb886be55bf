package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
)

const (
	mochiTCPPort   = 18831
	telemetryTopic = "devices/dev1/messages/events"
	statusFilter   = "devices/dev1/messages/devicebound/#"
	statusTopic    = "devices/dev1/messages/devicebound"
)

func startBroker(t *testing.T, port int) *mochi.Server {
	t.Helper()

	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))

	tcp := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("t%d", port),
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})
	require.NoError(t, server.AddListener(tcp))
	require.NoError(t, server.Serve())

	t.Cleanup(func() { _ = server.Close() })
	return server
}

func newTestMQTT(t *testing.T, port int) *MQTT {
	t.Helper()

	settings, err := ParseConnectionString(fmt.Sprintf("HostName=127.0.0.1;TcpPort=%d;ClientId=dev1", port))
	require.NoError(t, err)

	return NewMQTT(settings, MQTTOptions{
		TelemetryTopic:  telemetryTopic,
		StatusTopic:     statusFilter,
		QoS:             1,
		ConnectAttempts: 2,
		ConnectTimeout:  2 * time.Second,
		RetryDelay:      10 * time.Millisecond,
	})
}

func TestMQTTSendAndReceive(t *testing.T) {
	server := startBroker(t, mochiTCPPort)

	published := make(chan packets.Packet, 1)
	require.NoError(t, server.Subscribe("devices/+/messages/events", 1,
		func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
			published <- pk
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr := newTestMQTT(t, mochiTCPPort)
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	inbound := make(chan *Inbound, 1)
	settled := make(chan error, 1)
	require.NoError(t, tr.Subscribe(ctx, func(_ context.Context, msg *Inbound) {
		settled <- msg.Complete()
		inbound <- msg
	}))

	require.NoError(t, tr.Send(ctx, Outbound{MessageID: "A", Payload: []byte(`{"type":"time"}`)}))

	select {
	case pk := <-published:
		require.Equal(t, telemetryTopic, pk.TopicName)
		require.JSONEq(t, `{"type":"time"}`, string(pk.Payload))

		var messageID string
		for _, p := range pk.Properties.User {
			if p.Key == MessageIDProperty {
				messageID = p.Val
			}
		}
		require.Equal(t, "A", messageID)
	case <-ctx.Done():
		t.Fatal("telemetry never reached the broker")
	}

	require.NoError(t, server.Publish(statusTopic, []byte(`{"type":"status"}`), false, 1))

	select {
	case msg := <-inbound:
		require.Equal(t, statusTopic, msg.Topic)
		require.JSONEq(t, `{"type":"status"}`, string(msg.Payload))
		require.NoError(t, <-settled)
		// a second settlement is a no-op
		require.NoError(t, msg.Reject())
	case <-ctx.Done():
		t.Fatal("status never reached the device")
	}
}

func TestMQTTConnectGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr := newTestMQTT(t, mochiTCPPort+8)
	err := tr.Connect(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "2 attempt(s)")
}

func TestMQTTRequiresConnect(t *testing.T) {
	tr := newTestMQTT(t, mochiTCPPort)

	require.ErrorIs(t, tr.Send(context.Background(), Outbound{MessageID: "A"}), ErrNotConnected)
	require.ErrorIs(t, tr.Subscribe(context.Background(), func(context.Context, *Inbound) {}), ErrNotConnected)
	require.NoError(t, tr.Close())
}

func TestInboundWithoutSettlers(t *testing.T) {
	msg := NewInbound("m", "t", nil, nil, nil)
	require.NoError(t, msg.Complete())
	require.NoError(t, msg.Reject())
}
