package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConnectionString(t *testing.T) {
	s, err := ParseConnectionString("HostName=broker.local;TcpPort=1884;ClientId=dev1;Username=gary;Password=pineapple;KeepAlive=PT45S;")
	require.NoError(t, err)

	require.Equal(t, "broker.local", s.Host)
	require.Equal(t, 1884, s.Port)
	require.False(t, s.UseTLS)
	require.Equal(t, "dev1", s.ClientID)
	require.Equal(t, "gary", s.Username)
	require.Equal(t, []byte("pineapple"), s.Password)
	require.Equal(t, 45*time.Second, s.KeepAlive)
	require.Equal(t, "broker.local:1884", s.Address())

	p := s.connectPacket()
	require.Equal(t, uint16(45), p.KeepAlive)
	require.True(t, p.UsernameFlag)
	require.True(t, p.PasswordFlag)
}

func TestParseConnectionStringDefaults(t *testing.T) {
	s, err := ParseConnectionString("hostname=hub.example.com;usetls=True;DeviceId=hanford-sim")
	require.NoError(t, err)

	require.True(t, s.UseTLS)
	require.Equal(t, 8883, s.Port)
	require.Equal(t, "hanford-sim", s.ClientID)
	require.Equal(t, 30*time.Second, s.KeepAlive)

	p := s.connectPacket()
	require.False(t, p.UsernameFlag)
	require.False(t, p.PasswordFlag)
}

func TestParseConnectionStringErrors(t *testing.T) {
	tests := map[string]string{
		"no host":        "TcpPort=1883",
		"bad port":       "HostName=x;TcpPort=eighty",
		"port too large": "HostName=x;TcpPort=70000",
		"bad keepalive":  "HostName=x;KeepAlive=30s",
	}

	for name, connStr := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConnectionString(connStr)
			require.Error(t, err)
		})
	}
}

func TestTopicFilterMatch(t *testing.T) {
	tests := []struct {
		filter   string
		topic    string
		expected bool
	}{
		{"devices/+/messages/events", "devices/a/messages/events", true},
		{"devices/+/messages/events", "devices/a/b/messages/events", false},
		{"devices/a/messages/devicebound/#", "devices/a/messages/devicebound", true},
		{"devices/a/messages/devicebound/#", "devices/a/messages/devicebound/x/y", true},
		{"devices/a/messages/devicebound/#", "devices/b/messages/devicebound", false},
		{"devices/a", "devices/a", true},
		{"devices/a", "devices/a/b", false},
		{"devices/+", "devices", false},
		{"devices/#/x", "devices/a/x", false},
	}

	for _, test := range tests {
		require.Equal(t, test.expected, IsTopicFilterMatch(test.filter, test.topic),
			"Topic filter: %s, Topic name: %s", test.filter, test.topic)
	}
}
