// ============================================================================
// meshctl Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with defaults and environment overrides.
//
// Load order:
//   1. Default(): every field's default
//   2. YAML file (--config/-c, default configs/meshctl.yaml) over the defaults
//   3. Environment overrides (deployment secrets)
//   4. Validate()
//
// Environment:
//   DB_HOST DB_PORT DB_USER DB_PASSWORD DB_NAME DB_SSLMODE
//   MQTT_BROKER MQTT_USERNAME MQTT_PASSWORD
//   REDIS_ADDR REDIS_PASSWORD
//   LOG_LEVEL LOG_FORMAT
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete meshctl configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Controller ControllerConfig `yaml:"controller"`
	Transport  TransportConfig  `yaml:"transport"`
	Store      StoreConfig      `yaml:"store"`
	Relay      RelayConfig      `yaml:"relay"`
	Redis      RedisConfig      `yaml:"redis"`
	Health     HealthConfig     `yaml:"health"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// MeshConfig node roles.
type MeshConfig struct {
	ActuatorNode uint8 `yaml:"actuator_node"`
	SensorNode   uint8 `yaml:"sensor_node"`
}

// ControllerConfig loop timings.
type ControllerConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	TempWarningTimeout  time.Duration `yaml:"temp_warning_timeout"`
	TempSafetyTimeout   time.Duration `yaml:"temp_safety_timeout"`
	ProbeInterval       time.Duration `yaml:"probe_interval"`
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	StaleThreshold      time.Duration `yaml:"stale_threshold"`
	StatusWriteInterval time.Duration `yaml:"status_write_interval"`
	SendAttempts        int           `yaml:"send_attempts"`
	SendRetryDelay      time.Duration `yaml:"send_retry_delay"`
}

// TransportConfig mesh transport selection.
type TransportConfig struct {
	Kind           string        `yaml:"kind"` // mqtt | memory
	InitAttempts   int           `yaml:"init_attempts"`
	InitRetryDelay time.Duration `yaml:"init_retry_delay"`
	MQTT           MQTTConfig    `yaml:"mqtt"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// StoreConfig persistent state selection.
type StoreConfig struct {
	Kind     string         `yaml:"kind"` // postgres | file | memory
	Path     string         `yaml:"path"` // file store
	Postgres DatabaseConfig `yaml:"postgres"`
	Migrate  bool           `yaml:"migrate"` // apply migrations on `run`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// URL returns a postgres:// connection URL usable by both lib/pq and
// golang-migrate.
func (c DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

type RelayConfig struct {
	Addr      string `yaml:"addr"`
	QueueSize int    `yaml:"queue_size"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	StateKey string `yaml:"state_key"`
	Stream   string `yaml:"stream"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info", Format: "json"},
		Mesh: MeshConfig{ActuatorNode: 1, SensorNode: 2},
		Controller: ControllerConfig{
			PollInterval:        10 * time.Millisecond,
			TempWarningTimeout:  90 * time.Second,
			TempSafetyTimeout:   180 * time.Second,
			ProbeInterval:       60 * time.Second,
			AckTimeout:          15 * time.Second,
			StaleThreshold:      40 * time.Minute,
			StatusWriteInterval: 30 * time.Second,
			SendAttempts:        3,
			SendRetryDelay:      250 * time.Millisecond,
		},
		Transport: TransportConfig{
			Kind:           "mqtt",
			InitAttempts:   5,
			InitRetryDelay: 10 * time.Second,
			MQTT: MQTTConfig{
				Broker:         "tcp://localhost:1883",
				ClientID:       "meshctl",
				TopicPrefix:    "mesh",
				QoS:            1,
				PublishTimeout: 500 * time.Millisecond,
			},
		},
		Store: StoreConfig{
			Kind: "postgres",
			Path: "data/meshctl.json",
			Postgres: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "pi",
				Database: "postgres",
				SSLMode:  "disable",
				MaxConns: 4,
				MaxIdle:  2,
			},
		},
		Relay: RelayConfig{Addr: "127.0.0.1:65432", QueueSize: 64},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			StateKey: "meshctl:state",
			Stream:   "meshctl:events",
		},
		Health:  HealthConfig{Addr: "127.0.0.1:50051"},
		Metrics: MetricsConfig{Port: 9090},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path uses the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("DB_HOST", &c.Store.Postgres.Host)
	str("DB_USER", &c.Store.Postgres.User)
	str("DB_PASSWORD", &c.Store.Postgres.Password)
	str("DB_NAME", &c.Store.Postgres.Database)
	str("DB_SSLMODE", &c.Store.Postgres.SSLMode)
	if v, ok := lookup("DB_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DB_PORT %q: %w", v, err)
		}
		c.Store.Postgres.Port = port
	}

	str("MQTT_BROKER", &c.Transport.MQTT.Broker)
	str("MQTT_USERNAME", &c.Transport.MQTT.Username)
	str("MQTT_PASSWORD", &c.Transport.MQTT.Password)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	return nil
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Mesh.ActuatorNode == 0 || c.Mesh.SensorNode == 0 {
		errs = append(errs, errors.New("mesh: node 0 is the controller"))
	}
	if c.Mesh.ActuatorNode == c.Mesh.SensorNode {
		errs = append(errs, errors.New("mesh: actuator_node and sensor_node must differ"))
	}

	ctl := c.Controller
	if ctl.PollInterval <= 0 {
		errs = append(errs, errors.New("controller: poll_interval must be positive"))
	}
	if ctl.TempSafetyTimeout <= ctl.TempWarningTimeout {
		errs = append(errs, errors.New("controller: temp_safety_timeout must exceed temp_warning_timeout"))
	}
	if ctl.ProbeInterval <= 0 || ctl.AckTimeout <= 0 || ctl.StaleThreshold <= 0 {
		errs = append(errs, errors.New("controller: probe_interval, ack_timeout and stale_threshold must be positive"))
	}
	if ctl.SendAttempts < 1 {
		errs = append(errs, errors.New("controller: send_attempts must be at least 1"))
	}

	switch c.Transport.Kind {
	case "mqtt":
		if c.Transport.MQTT.Broker == "" {
			errs = append(errs, errors.New("transport: mqtt.broker is required"))
		}
		if c.Transport.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("transport: invalid mqtt.qos %d", c.Transport.MQTT.QoS))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("transport: unknown kind %q", c.Transport.Kind))
	}

	switch c.Store.Kind {
	case "postgres", "memory":
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store: path is required for kind file"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown kind %q", c.Store.Kind))
	}

	if c.Relay.Addr == "" {
		errs = append(errs, errors.New("relay: addr is required"))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.Metrics.Port))
	}

	return errors.Join(errs...)
}
