package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the fieldlink service.
// It is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Hub       HubConfig       `yaml:"hub"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Broker    BrokerConfig    `yaml:"broker"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects and configures the device directory and event sink backend.
type DatabaseConfig struct {
	Driver      string         `yaml:"driver"`
	Path        string         `yaml:"path"`
	WALMode     bool           `yaml:"wal_mode"`
	BusyTimeout int            `yaml:"busy_timeout"`
	Postgres    PostgresConfig `yaml:"postgres"`
}

// PostgresConfig is used when database.driver is "postgres".
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// MQTTConfig configures the upstream MQTT relay. This is an ordinary MQTT
// client connection, unrelated to the per-device wire brokers.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
	QueueSize   int                 `yaml:"queue_size"`
}

// MQTTBrokerConfig contains upstream broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains reconnection settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP control API settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig applies to every viewer-facing WebSocket (the API live
// stream and the per-device proxy listeners).
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// Hub overflow policies.
const (
	OverflowDisconnect = "disconnect"
	OverflowDrop       = "drop"
)

// HubConfig controls broadcast fan-out buffering.
type HubConfig struct {
	// BufferSize is the per-viewer outbound queue length.
	BufferSize int `yaml:"buffer_size"`

	// OverflowPolicy decides what happens when a viewer's queue is full:
	// "disconnect" removes the viewer, "drop" discards the notification
	// for that viewer only.
	OverflowPolicy string `yaml:"overflow_policy"`
}

// IngestConfig controls persistence timing of the ingest pipeline.
type IngestConfig struct {
	ImmediateSaveCooldown time.Duration `yaml:"immediate_save_cooldown"`
	FlushInterval         time.Duration `yaml:"flush_interval"`

	// MaxPending caps the batched-write buffer. When full, the oldest
	// entry is discarded.
	MaxPending int `yaml:"max_pending"`

	// InitialStateLimit is how many recent events are replayed at start-up.
	InitialStateLimit int `yaml:"initial_state_limit"`

	// Retention deletes persisted events older than this. Zero keeps
	// everything.
	Retention time.Duration `yaml:"retention"`
}

// ProxyConfig controls the per-device WebSocket proxy listeners.
type ProxyConfig struct {
	DeviceBindHost string `yaml:"device_bind_host"`
	ViewerBindHost string `yaml:"viewer_bind_host"`

	// ViewerPortBase is added to the device id to derive the viewer port.
	ViewerPortBase int `yaml:"viewer_port_base"`

	CommandBuffer int `yaml:"command_buffer"`

	// AutoResume reopens proxies at start-up for devices the directory
	// still marks as connected.
	AutoResume bool `yaml:"auto_resume"`
}

// BrokerConfig controls the per-device wire brokers.
type BrokerConfig struct {
	BindHost      string `yaml:"bind_host"`
	MessageBuffer int    `yaml:"message_buffer"`
	MaxFrameSize  int    `yaml:"max_frame_size"`
}

// InfluxDBConfig configures the optional numeric telemetry mirror.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment overrides.
//
// The loading order is:
//  1. Default values
//  2. YAML file values
//  3. Environment variables (FIELDLINK_SECTION_KEY)
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read or parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with defaults. Tests and tools that
// do not read a file start from here.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:      DriverSQLite,
			Path:        "./data/fieldlink.db",
			WALMode:     true,
			BusyTimeout: 5,
			Postgres: PostgresConfig{
				MaxConns: 8,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fieldlink-relay",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "fieldlink",
			QueueSize:   1024,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/realtime/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Hub: HubConfig{
			BufferSize:     256,
			OverflowPolicy: OverflowDisconnect,
		},
		Ingest: IngestConfig{
			ImmediateSaveCooldown: 30 * time.Second,
			FlushInterval:         5 * time.Second,
			MaxPending:            10000,
			InitialStateLimit:     1000,
		},
		Proxy: ProxyConfig{
			DeviceBindHost: "0.0.0.0",
			ViewerBindHost: "127.0.0.1",
			ViewerPortBase: 2333,
			CommandBuffer:  64,
			AutoResume:     true,
		},
		Broker: BrokerConfig{
			BindHost:      "0.0.0.0",
			MessageBuffer: 1000,
			MaxFrameSize:  256 * 1024,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "telemetry",
			BatchSize:     500,
			FlushInterval: 1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics/prometheus",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies FIELDLINK_* environment variables.
// Secrets (DSN, passwords, tokens) should always be supplied this way.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("FIELDLINK_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("FIELDLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FIELDLINK_DATABASE_DSN"); v != "" {
		cfg.Database.Postgres.DSN = v
	}

	if v := os.Getenv("FIELDLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FIELDLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FIELDLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("FIELDLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("FIELDLINK_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FIELDLINK_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}

	if v := os.Getenv("FIELDLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("FIELDLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, "database.postgres.dsn is required for the postgres driver (set FIELDLINK_DATABASE_DSN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver must be %q or %q", DriverSQLite, DriverPostgres))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt.enabled is true")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Hub.BufferSize < 1 {
		errs = append(errs, "hub.buffer_size must be at least 1")
	}
	if c.Hub.OverflowPolicy != OverflowDisconnect && c.Hub.OverflowPolicy != OverflowDrop {
		errs = append(errs, fmt.Sprintf("hub.overflow_policy must be %q or %q", OverflowDisconnect, OverflowDrop))
	}

	if c.Ingest.ImmediateSaveCooldown <= 0 {
		errs = append(errs, "ingest.immediate_save_cooldown must be positive")
	}
	if c.Ingest.FlushInterval <= 0 {
		errs = append(errs, "ingest.flush_interval must be positive")
	}
	if c.Ingest.MaxPending < 1 {
		errs = append(errs, "ingest.max_pending must be at least 1")
	}
	if c.Ingest.Retention < 0 {
		errs = append(errs, "ingest.retention must not be negative")
	}

	if c.Proxy.ViewerPortBase < 1 || c.Proxy.ViewerPortBase > 65535 {
		errs = append(errs, "proxy.viewer_port_base must be between 1 and 65535")
	}
	if c.Proxy.CommandBuffer < 1 {
		errs = append(errs, "proxy.command_buffer must be at least 1")
	}

	if c.Broker.MessageBuffer < 1 {
		errs = append(errs, "broker.message_buffer must be at least 1")
	}
	if c.Broker.MaxFrameSize < 16 {
		errs = append(errs, "broker.max_frame_size must be at least 16 bytes")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// PingIntervalDuration returns the viewer WebSocket ping period.
func (w WebSocketConfig) PingIntervalDuration() time.Duration {
	return time.Duration(w.PingInterval) * time.Second
}

// PongTimeoutDuration returns how long a viewer may stay silent after a ping.
func (w WebSocketConfig) PongTimeoutDuration() time.Duration {
	return time.Duration(w.PongTimeout) * time.Second
}
