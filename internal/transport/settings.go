package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"
	"github.com/sosodev/duration"
)

// Settings describe how to reach the MQTT broker.
type Settings struct {
	Host      string
	Port      int
	UseTLS    bool
	ClientID  string
	Username  string
	Password  []byte
	KeepAlive time.Duration
	CAFile    string
}

// ParseConnectionString reads a connection string such as
// HostName=localhost;TcpPort=1883;UseTls=false;ClientId=dev1;KeepAlive=PT30S.
// Keys are case-insensitive.
func ParseConnectionString(connStr string) (*Settings, error) {
	settings := parseToSettingsMap(connStr)

	if settings["hostname"] == "" {
		return nil, errors.New("connection string: HostName must not be empty")
	}

	s := &Settings{
		Host:      settings["hostname"],
		UseTLS:    strings.EqualFold(settings["usetls"], "true"),
		ClientID:  settings["clientid"],
		Username:  settings["username"],
		CAFile:    settings["cafile"],
		KeepAlive: 30 * time.Second,
	}
	if s.ClientID == "" {
		s.ClientID = settings["deviceid"]
	}
	if password, ok := settings["password"]; ok {
		s.Password = []byte(password)
	}

	s.Port = 1883
	if s.UseTLS {
		s.Port = 8883
	}
	if value, ok := settings["tcpport"]; ok {
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil || port == 0 {
			return nil, fmt.Errorf("connection string: invalid TcpPort %q", value)
		}
		s.Port = int(port)
	}

	if value, ok := settings["keepalive"]; ok {
		keepAlive, err := duration.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("connection string: invalid KeepAlive %q: %w", value, err)
		}
		s.KeepAlive = keepAlive.ToTimeDuration()
	}

	return s, nil
}

func parseToSettingsMap(connStr string) map[string]string {
	settings := make(map[string]string)
	for _, param := range strings.Split(strings.TrimSuffix(connStr, ";"), ";") {
		kv := strings.SplitN(param, "=", 2)
		if len(kv) == 2 {
			settings[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
		}
	}
	return settings
}

// Address is host:port of the broker.
func (s *Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Dial opens the network connection to the broker.
func (s *Settings) Dial(ctx context.Context) (net.Conn, error) {
	if !s.UseTLS {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", s.Address())
		if err != nil {
			return nil, fmt.Errorf("error opening TCP connection: %w", err)
		}
		return conn, nil
	}

	cfg, err := s.tlsConfig()
	if err != nil {
		return nil, err
	}
	d := tls.Dialer{Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", s.Address())
	if err != nil {
		return nil, fmt.Errorf("error opening TLS connection: %w", err)
	}
	return packets.NewThreadSafeConn(conn), nil
}

func (s *Settings) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{ServerName: s.Host, MinVersion: tls.VersionTLS12}
	if s.CAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(s.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", s.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func (s *Settings) connectPacket() *paho.Connect {
	return &paho.Connect{
		ClientID:     s.ClientID,
		CleanStart:   true,
		KeepAlive:    uint16(s.KeepAlive / time.Second),
		Username:     s.Username,
		UsernameFlag: s.Username != "",
		Password:     s.Password,
		PasswordFlag: len(s.Password) > 0,
	}
}
