package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the runnable bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Runnable    RunnableConfig    `yaml:"runnable"`
	Accessories []AccessoryConfig `yaml:"accessories"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
}

// RunnableConfig describes the child process and how it is supervised.
type RunnableConfig struct {
	// Run is the shell command line that launches the runnable.
	Run string `yaml:"run"`

	// Time is the quiet interval between set commands, in milliseconds.
	Time int `yaml:"time"`

	// Shell interprets Run. Default: /bin/sh
	Shell string `yaml:"shell"`

	// WorkDir is the runnable's working directory. Empty inherits ours.
	WorkDir string `yaml:"work_dir,omitempty"`

	// Env lists extra KEY=value pairs for the runnable.
	Env []string `yaml:"env,omitempty"`

	// MaxRetries bounds consecutive automatic restarts. Default: 3
	MaxRetries int `yaml:"max_retries"`

	// RestartDelayMS postpones automatic restarts. Default: 0 (immediate)
	RestartDelayMS int `yaml:"restart_delay_ms"`

	// WriteTimeoutMS bounds one write to the runnable's stdin. Default: 5000
	WriteTimeoutMS int `yaml:"write_timeout_ms"`

	// GracefulTimeoutMS is the wait between SIGTERM and SIGKILL. Default: 5000
	GracefulTimeoutMS int `yaml:"graceful_timeout_ms"`

	// MaxBufferBytes caps an incomplete message on stdout. 0 is unbounded.
	// Default: 1 MiB
	MaxBufferBytes int `yaml:"max_buffer_bytes"`
}

// AccessoryConfig describes one accessory driven by the runnable.
type AccessoryConfig struct {
	Name            string   `yaml:"name"`
	Service         string   `yaml:"service"`
	Characteristics []string `yaml:"characteristics"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: RUNNABLE_SECTION_KEY
// For example: RUNNABLE_DATABASE_PATH, RUNNABLE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Runnable: RunnableConfig{
			Time:              1000,
			Shell:             "/bin/sh",
			MaxRetries:        3,
			WriteTimeoutMS:    5000,
			GracefulTimeoutMS: 5000,
			MaxBufferBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			Path:        "./data/runnablebridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "runnablebridge",
			},
			QoS:         1,
			TopicPrefix: "runnable",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: RUNNABLE_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Runnable
	if v := os.Getenv("RUNNABLE_RUN"); v != "" {
		cfg.Runnable.Run = v
	}
	if v := os.Getenv("RUNNABLE_TIME"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing RUNNABLE_TIME: %w", err)
		}
		cfg.Runnable.Time = ms
	}

	// Database
	if v := os.Getenv("RUNNABLE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("RUNNABLE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("RUNNABLE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("RUNNABLE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("RUNNABLE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("RUNNABLE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("RUNNABLE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	return nil
}

// Validate checks the configuration for errors and reports all of them at once.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Runnable validation
	if strings.TrimSpace(c.Runnable.Run) == "" {
		errs = append(errs, "runnable.run is required")
	}
	if c.Runnable.Time < 0 {
		errs = append(errs, "runnable.time must not be negative")
	}
	if c.Runnable.MaxRetries < 0 {
		errs = append(errs, "runnable.max_retries must not be negative")
	}
	if c.Runnable.RestartDelayMS < 0 || c.Runnable.WriteTimeoutMS < 0 || c.Runnable.GracefulTimeoutMS < 0 {
		errs = append(errs, "runnable timeouts must not be negative")
	}
	if c.Runnable.MaxBufferBytes < 0 {
		errs = append(errs, "runnable.max_buffer_bytes must not be negative")
	}

	// Accessory validation
	seen := make(map[string]bool, len(c.Accessories))
	for i, acc := range c.Accessories {
		switch {
		case acc.Name == "":
			errs = append(errs, fmt.Sprintf("accessories[%d].name is required", i))
		case seen[acc.Name]:
			errs = append(errs, fmt.Sprintf("accessories[%d].name %q is duplicated", i, acc.Name))
		}
		seen[acc.Name] = true

		if acc.Service == "" {
			errs = append(errs, fmt.Sprintf("accessories[%d].service is required", i))
		}
		if len(acc.Characteristics) == 0 {
			errs = append(errs, fmt.Sprintf("accessories[%d].characteristics must not be empty", i))
		}
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, "mqtt.topic_prefix is required")
		}
	}

	// API validation - JWT secret is required whenever the API is served.
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set RUNNABLE_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Interval returns the quiet interval between set commands.
func (r RunnableConfig) Interval() time.Duration {
	return time.Duration(r.Time) * time.Millisecond
}

// RestartDelay returns the delay before an automatic restart.
func (r RunnableConfig) RestartDelay() time.Duration {
	return time.Duration(r.RestartDelayMS) * time.Millisecond
}

// WriteTimeout returns the stdin write deadline.
func (r RunnableConfig) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMS) * time.Millisecond
}

// GracefulTimeout returns the wait between SIGTERM and SIGKILL.
func (r RunnableConfig) GracefulTimeout() time.Duration {
	return time.Duration(r.GracefulTimeoutMS) * time.Millisecond
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
