package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Farmhub.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Farm      FarmConfig      `yaml:"farm"`
	ADB       ADBConfig       `yaml:"adb"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// FarmConfig contains farm-node identification.
type FarmConfig struct {
	// Name is a display label for this farm node. If empty, a label is
	// derived from the hostname.
	Name string `yaml:"name"`
}

// ADBConfig contains settings for the adb server connection.
type ADBConfig struct {
	// Host is the adb server address.
	Host string `yaml:"host"`

	// Port is the adb server smart-socket port.
	Port int `yaml:"port"`

	// Managed, when true, makes Farmhub spawn and supervise the adb
	// server process itself instead of expecting one to be running.
	Managed bool `yaml:"managed"`

	// Binary is the adb executable used when Managed is true.
	Binary string `yaml:"binary"`
}

// TrackerConfig contains device-tracking behaviour settings.
type TrackerConfig struct {
	// WaitAfterError is the initial delay (milliseconds) before restarting
	// the device enumeration stream after it fails.
	WaitAfterError int `yaml:"wait_after_error"`

	// MaxWaitAfterError caps the restart delay growth (milliseconds).
	MaxWaitAfterError int `yaml:"max_wait_after_error"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendBufferSize int    `yaml:"send_buffer_size"`
}

// DatabaseConfig contains SQLite database settings for the state-history store.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
	RetainDays  int    `yaml:"retain_days"`
}

// MQTTConfig contains MQTT broker connection settings for the announcer.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// TelemetryConfig contains InfluxDB connection settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// SecurityConfig contains access-control settings.
type SecurityConfig struct {
	Ticket TicketConfig `yaml:"ticket"`
}

// TicketConfig contains WebSocket ticket authentication settings.
// When enabled, every WebSocket connection must present a valid signed
// ticket or it is closed without a handshake.
type TicketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	TTL     int    `yaml:"ttl"` // minutes
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads, parses, and validates a configuration file.
//
// Environment variables override file values using the pattern
// FARMHUB_SECTION_KEY, for example FARMHUB_ADB_HOST or FARMHUB_API_PORT.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := Default()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		ADB: ADBConfig{
			Host:   "127.0.0.1",
			Port:   5037,
			Binary: "adb",
		},
		Tracker: TrackerConfig{
			WaitAfterError:    1000,
			MaxWaitAfterError: 300000,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
			SendBufferSize: 256,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/farmhub.db",
			WALMode:     true,
			BusyTimeout: 5,
			RetainDays:  30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "farmhub",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Telemetry: TelemetryConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Security: SecurityConfig{
			Ticket: TicketConfig{
				TTL: 15,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FARMHUB_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// ADB server
	if v := os.Getenv("FARMHUB_ADB_HOST"); v != "" {
		cfg.ADB.Host = v
	}
	if v := os.Getenv("ADB_HOST"); v != "" && os.Getenv("FARMHUB_ADB_HOST") == "" {
		// Honour the conventional adb environment variable as a fallback.
		cfg.ADB.Host = v
	}

	// API
	if v := os.Getenv("FARMHUB_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Database
	if v := os.Getenv("FARMHUB_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("FARMHUB_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FARMHUB_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FARMHUB_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Telemetry
	if v := os.Getenv("FARMHUB_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}

	// Security - ticket secret (always override in production)
	if v := os.Getenv("FARMHUB_TICKET_SECRET"); v != "" {
		cfg.Security.Ticket.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// ADB validation
	if c.ADB.Port < 1 || c.ADB.Port > 65535 {
		errs = append(errs, "adb.port must be between 1 and 65535")
	}
	if c.ADB.Managed && c.ADB.Binary == "" {
		errs = append(errs, "adb.binary is required when adb.managed is true")
	}

	// Tracker validation
	if c.Tracker.WaitAfterError < 1 {
		errs = append(errs, "tracker.wait_after_error must be positive")
	}
	if c.Tracker.MaxWaitAfterError < c.Tracker.WaitAfterError {
		errs = append(errs, "tracker.max_wait_after_error must be >= tracker.wait_after_error")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database.enabled is true")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Telemetry validation
	if c.Telemetry.Enabled && c.Telemetry.URL == "" {
		errs = append(errs, "telemetry.url is required when telemetry.enabled is true")
	}

	// Security validation - a ticket secret must be strong enough to sign with.
	// A weak secret would let anyone forge access to attached devices.
	const minTicketSecretLength = 32
	if c.Security.Ticket.Enabled {
		if c.Security.Ticket.Secret == "" {
			errs = append(errs, "security.ticket.secret is required (set FARMHUB_TICKET_SECRET environment variable)")
		} else if len(c.Security.Ticket.Secret) < minTicketSecretLength {
			errs = append(errs, "security.ticket.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// WaitAfterErrorDuration returns the initial tracker restart delay as a Duration.
func (c *TrackerConfig) WaitAfterErrorDuration() time.Duration {
	return time.Duration(c.WaitAfterError) * time.Millisecond
}

// MaxWaitAfterErrorDuration returns the restart delay cap as a Duration.
func (c *TrackerConfig) MaxWaitAfterErrorDuration() time.Duration {
	return time.Duration(c.MaxWaitAfterError) * time.Millisecond
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
