package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for TasFleet Core.
// All configuration is loaded from YAML and can be overridden by
// environment variables.
type Config struct {
	Fleet       FleetConfig        `yaml:"fleet"`
	Store       StoreConfig        `yaml:"store"`
	Engine      EngineConfig       `yaml:"engine"`
	Connections []ConnectionConfig `yaml:"connections"`
	InfluxDB    InfluxDBConfig     `yaml:"influxdb"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// FleetConfig contains fleet-level identification.
type FleetConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// StoreConfig contains snapshot database settings.
type StoreConfig struct {
	// Path is the BoltDB file holding device snapshots.
	Path string `yaml:"path"`
}

// EngineConfig contains the engine's periodic cadences.
type EngineConfig struct {
	// FlushInterval is the dirty-set persistence cadence in seconds.
	FlushInterval int `yaml:"flush_interval"`

	// PollInterval is the bootstrap-poll cadence in seconds.
	PollInterval int `yaml:"poll_interval"`

	// PollMaxAttempts is the bootstrap-poll attempt ceiling per device.
	PollMaxAttempts int `yaml:"poll_max_attempts"`
}

// ConnectionConfig describes one MQTT broker connection. A fleet may
// span several brokers; the connection id is the partitioning key for
// device ownership and snapshot storage.
type ConnectionConfig struct {
	ID        string              `yaml:"id"`
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

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings for signal and
// uptime telemetry recording.
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

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The loading order is: defaults, then file values, then TASFLEET_*
// environment variables.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Fleet: FleetConfig{
			ID:   "fleet-001",
			Name: "TasFleet",
		},
		Store: StoreConfig{
			Path: "./data/tasfleet.db",
		},
		Engine: EngineConfig{
			FlushInterval:   2,
			PollInterval:    10,
			PollMaxAttempts: 5,
		},
		Connections: []ConnectionConfig{
			{
				ID: "local",
				Broker: MQTTBrokerConfig{
					Host:     "localhost",
					Port:     1883,
					ClientID: "tasfleet-core",
				},
				QoS: 1,
				Reconnect: MQTTReconnectConfig{
					InitialDelay: 1,
					MaxDelay:     60,
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies TASFLEET_* environment overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASFLEET_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TASFLEET_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("TASFLEET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Single-broker deployments can override credentials without a file
	// edit; the override targets the first connection.
	if len(cfg.Connections) > 0 {
		if v := os.Getenv("TASFLEET_MQTT_HOST"); v != "" {
			cfg.Connections[0].Broker.Host = v
		}
		if v := os.Getenv("TASFLEET_MQTT_USERNAME"); v != "" {
			cfg.Connections[0].Auth.Username = v
		}
		if v := os.Getenv("TASFLEET_MQTT_PASSWORD"); v != "" {
			cfg.Connections[0].Auth.Password = v
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if c.Engine.FlushInterval < 1 {
		errs = append(errs, "engine.flush_interval must be at least 1 second")
	}
	if c.Engine.PollInterval < 1 {
		errs = append(errs, "engine.poll_interval must be at least 1 second")
	}
	if c.Engine.PollMaxAttempts < 1 {
		errs = append(errs, "engine.poll_max_attempts must be at least 1")
	}
	if len(c.Connections) == 0 {
		errs = append(errs, "at least one connection is required")
	}

	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		if conn.ID == "" {
			errs = append(errs, fmt.Sprintf("connections[%d].id is required", i))
			continue
		}
		if seen[conn.ID] {
			errs = append(errs, fmt.Sprintf("connections[%d].id %q is duplicated", i, conn.ID))
		}
		seen[conn.ID] = true
		if conn.QoS < 0 || conn.QoS > 2 {
			errs = append(errs, fmt.Sprintf("connections[%d].qos must be 0, 1, or 2", i))
		}
		if conn.Broker.Host == "" {
			errs = append(errs, fmt.Sprintf("connections[%d].broker.host is required", i))
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled (set TASFLEET_INFLUXDB_TOKEN)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// GetFlushInterval returns the persistence cadence as a Duration.
func (c *Config) GetFlushInterval() time.Duration {
	return time.Duration(c.Engine.FlushInterval) * time.Second
}

// GetPollInterval returns the bootstrap-poll cadence as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Engine.PollInterval) * time.Second
}
