package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConnectionStringEnv is the variable the device credential is read from.
const ConnectionStringEnv = "IOT_DEVICE_CONNECTIONSTRING"

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type AgentConfig struct {
	DeviceID         string        `mapstructure:"device_id"`
	Interval         time.Duration `mapstructure:"interval"`
	PendingTTL       time.Duration `mapstructure:"pending_ttl"` // 0 keeps entries forever
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	ConnectionString string        `mapstructure:"connection_string"`
}

type TransportConfig struct {
	TelemetryTopic  string        `mapstructure:"telemetry_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	QoS             int           `mapstructure:"qos"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type ReportConfig struct {
	BackendURL         string        `mapstructure:"backend_url"`
	AuthTokenEnv       string        `mapstructure:"auth_token_env"` // e.g. HUBTIMING_BACKEND_TOKEN
	SendInterval       time.Duration `mapstructure:"send_interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxQueueSize       int           `mapstructure:"max_queue_size"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ProbeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"` // defaults to the broker host
	Count   int    `mapstructure:"count"`
}

type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Transport TransportConfig `mapstructure:"transport"`
	Health    HealthConfig    `mapstructure:"health"`
	Report    ReportConfig    `mapstructure:"report"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// New returns a viper instance with defaults and env bindings applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	// env overrides: HUBTIMING_AGENT_DEVICE_ID etc.
	v.SetEnvPrefix("hubtiming")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("agent.connection_string", ConnectionStringEnv)

	// Defaults
	v.SetDefault("agent.device_id", "hanford-sim")
	v.SetDefault("agent.interval", 5*time.Second)
	v.SetDefault("agent.pending_ttl", time.Duration(0))
	v.SetDefault("agent.send_timeout", 10*time.Second)
	v.SetDefault("transport.telemetry_topic", "devices/{device}/messages/events")
	v.SetDefault("transport.status_topic", "devices/{device}/messages/devicebound/#")
	v.SetDefault("transport.qos", 1)
	v.SetDefault("transport.connect_attempts", 5)
	v.SetDefault("transport.connect_timeout", 10*time.Second)
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.address", "127.0.0.1:8085")
	v.SetDefault("report.send_interval", 30*time.Second)
	v.SetDefault("report.timeout", 5*time.Second)
	v.SetDefault("report.max_queue_size", 1000)
	v.SetDefault("report.insecure_skip_verify", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "hubtiming.latency")
	v.SetDefault("probe.enabled", false)
	v.SetDefault("probe.count", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	return v
}

// LoadConfig reads path (if it exists) on top of the defaults of New.
func LoadConfig(path string) (*Config, error) {
	return Load(New(), path)
}

// Load reads path into v and decodes the result. A missing file is not an
// error; defaults and the environment still apply.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// quick sanity checks
	if cfg.Agent.SendTimeout <= 0 {
		cfg.Agent.SendTimeout = 10 * time.Second
	}
	if cfg.Transport.ConnectAttempts < 1 {
		cfg.Transport.ConnectAttempts = 1
	}
	if cfg.Report.MaxQueueSize <= 0 {
		cfg.Report.MaxQueueSize = 1000
	}
	if cfg.Probe.Count <= 0 {
		cfg.Probe.Count = 5
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the agent cannot run without.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Agent.DeviceID) == "":
		return errors.New("agent.device_id must not be empty")
	case c.Agent.Interval <= 0:
		return fmt.Errorf("agent.interval must be positive, got %s", c.Agent.Interval)
	case c.Agent.PendingTTL < 0:
		return fmt.Errorf("agent.pending_ttl must not be negative, got %s", c.Agent.PendingTTL)
	case c.Transport.QoS != 0 && c.Transport.QoS != 1:
		return fmt.Errorf("transport.qos must be 0 or 1, got %d", c.Transport.QoS)
	}
	return nil
}

// TelemetryTopic returns the telemetry topic for the configured device.
func (c *Config) TelemetryTopic() string {
	return expandDevice(c.Transport.TelemetryTopic, c.Agent.DeviceID)
}

// StatusTopic returns the status topic filter for the configured device.
func (c *Config) StatusTopic() string {
	return expandDevice(c.Transport.StatusTopic, c.Agent.DeviceID)
}

func expandDevice(topic, deviceID string) string {
	return strings.ReplaceAll(topic, "{device}", deviceID)
}
