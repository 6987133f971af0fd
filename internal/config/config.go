package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the xrelayd configuration.
type Config struct {
	Transport       string   `yaml:"transport" json:"transport"` // memory, redis-streams, mqtt
	Codec           string   `yaml:"codec" json:"codec"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	Log   LogConfig   `yaml:"log" json:"log"`
	Relay RelayConfig `yaml:"relay" json:"relay"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
	MQTT  MQTTConfig  `yaml:"mqtt" json:"mqtt"`
	Auth  AuthConfig  `yaml:"auth" json:"auth"`
}

// LogConfig selects the zerolog output.
type LogConfig struct {
	Level   string `yaml:"level" json:"level"` // debug, info, warn, error
	Console bool   `yaml:"console" json:"console"`
	Caller  bool   `yaml:"caller" json:"caller"`
}

// RelayConfig sizes the dispatcher and workers.
type RelayConfig struct {
	Mailboxes       int      `yaml:"mailboxes" json:"mailboxes"`
	Expiry          Duration `yaml:"expiry" json:"expiry"`
	TickInterval    Duration `yaml:"tick_interval" json:"tick_interval"`
	LockTimeout     Duration `yaml:"lock_timeout" json:"lock_timeout"`
	IdleInterval    Duration `yaml:"idle_interval" json:"idle_interval"`
	ObserverWorkers int      `yaml:"observer_workers" json:"observer_workers"`
	ObserverBuffer  int      `yaml:"observer_buffer" json:"observer_buffer"`
}

// RedisConfig is passed to the redis-streams transport.
type RedisConfig struct {
	Addr          string   `yaml:"addr" json:"addr"`
	Username      string   `yaml:"username" json:"username"`
	Password      string   `yaml:"password" json:"password"`
	DB            int      `yaml:"db" json:"db"`
	TLS           bool     `yaml:"tls" json:"tls"`
	RequestStream string   `yaml:"request_stream" json:"request_stream"`
	Group         string   `yaml:"group" json:"group"`
	Consumer      string   `yaml:"consumer" json:"consumer"`
	DeadLetter    string   `yaml:"dead_letter" json:"dead_letter"`
	ClaimMinIdle  Duration `yaml:"claim_min_idle" json:"claim_min_idle"`
}

// MQTTConfig is passed to the mqtt transport.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	ClientID      string `yaml:"client_id" json:"client_id"`
	Username      string `yaml:"username" json:"username"`
	Password      string `yaml:"password" json:"password"`
	QoS           int    `yaml:"qos" json:"qos"`
	RequestPrefix string `yaml:"request_prefix" json:"request_prefix"`
}

// AuthConfig configures the auth workers.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	TicketTTL Duration `yaml:"ticket_ttl" json:"ticket_ttl"`
	// Users holds development credentials (username -> password).
	Users map[string]string `yaml:"users" json:"users"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Transport:       "memory",
		Codec:           "json",
		ShutdownTimeout: Duration(5 * time.Second),
		Log:             LogConfig{Level: "info", Console: true},
		Relay: RelayConfig{
			Mailboxes:       4,
			Expiry:          Duration(5 * time.Minute),
			TickInterval:    Duration(time.Second),
			LockTimeout:     Duration(200 * time.Millisecond),
			IdleInterval:    Duration(time.Second),
			ObserverWorkers: 4,
			ObserverBuffer:  1000,
		},
		Redis: RedisConfig{
			Addr:          "127.0.0.1:6379",
			RequestStream: "xrelay:requests",
			Group:         "xrelay",
		},
		MQTT: MQTTConfig{
			Broker:        "tcp://127.0.0.1:1883",
			QoS:           1,
			RequestPrefix: "xrelay/requests",
		},
		Auth: AuthConfig{Enabled: true, TicketTTL: Duration(12 * time.Hour)},
	}
}

// Load reads path over the defaults. Files ending in .json are parsed as
// JSON, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// FromEnv overlays XRELAY_* variables on cfg.
func FromEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("XRELAY_" + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv("XRELAY_" + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("XRELAY_%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("TRANSPORT", &cfg.Transport)
	str("CODEC", &cfg.Codec)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_USERNAME", &cfg.Redis.Username)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("REDIS_GROUP", &cfg.Redis.Group)
	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)
	if err := num("MAILBOXES", &cfg.Relay.Mailboxes); err != nil {
		return err
	}
	if err := num("REDIS_DB", &cfg.Redis.DB); err != nil {
		return err
	}
	return num("MQTT_QOS", &cfg.MQTT.QoS)
}

// Validate checks the configuration before the daemon starts.
func (c Config) Validate() error {
	switch c.Transport {
	case "memory":
	case "redis-streams":
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis.addr required")
		}
	case "mqtt":
		if c.MQTT.Broker == "" {
			return fmt.Errorf("config: mqtt.broker required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("config: mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.Codec == "" {
		return fmt.Errorf("config: codec required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	if c.Relay.Mailboxes < 1 {
		return fmt.Errorf("config: relay.mailboxes must be >= 1, got %d", c.Relay.Mailboxes)
	}
	if c.Relay.Expiry < 0 {
		return fmt.Errorf("config: relay.expiry must be >= 0")
	}
	if c.Relay.TickInterval <= 0 || c.Relay.LockTimeout <= 0 {
		return fmt.Errorf("config: relay.tick_interval and relay.lock_timeout must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: shutdown_timeout must be > 0")
	}
	return nil
}

// TransportConfig returns the generic map handed to the selected
// transport factory.
func (c Config) TransportConfig() map[string]any {
	switch c.Transport {
	case "redis-streams":
		m := map[string]any{
			"addr":           c.Redis.Addr,
			"username":       c.Redis.Username,
			"password":       c.Redis.Password,
			"db":             c.Redis.DB,
			"tls":            c.Redis.TLS,
			"request_stream": c.Redis.RequestStream,
			"group":          c.Redis.Group,
			"consumer":       c.Redis.Consumer,
			"dead_letter":    c.Redis.DeadLetter,
		}
		if c.Redis.ClaimMinIdle > 0 {
			m["claim_min_idle"] = c.Redis.ClaimMinIdle.Std()
		}
		return m
	case "mqtt":
		return map[string]any{
			"broker":         c.MQTT.Broker,
			"client_id":      c.MQTT.ClientID,
			"username":       c.MQTT.Username,
			"password":       c.MQTT.Password,
			"qos":            c.MQTT.QoS,
			"request_prefix": c.MQTT.RequestPrefix,
		}
	}
	return map[string]any{"codec": c.Codec}
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Redis.Password = mask(c.Redis.Password)
	c.MQTT.Password = mask(c.MQTT.Password)
	if len(c.Auth.Users) > 0 {
		users := make(map[string]string, len(c.Auth.Users))
		for u := range c.Auth.Users {
			users[u] = "****"
		}
		c.Auth.Users = users
	}
	return c
}
