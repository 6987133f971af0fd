package mqtt

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config for the MQTT transport and ingress.
type Config struct {
	// Connection
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	KeepAlive      time.Duration

	// QoS applies to replies and request subscriptions (0, 1 or 2).
	QoS byte

	// Ingress: requests arrive on RequestPrefix/<topic>.
	RequestPrefix string
}

// Defaults returns a Config pointing at a local broker.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xrelay"
	}
	return Config{
		Broker:         "tcp://127.0.0.1:1883",
		ClientID:       fmt.Sprintf("xrelay-%s-%d", hostname, os.Getpid()),
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 2 * time.Second,
		KeepAlive:      30 * time.Second,
		QoS:            1,
		RequestPrefix:  "xrelay/requests",
	}
}

// Validate checks Config before connecting.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("config: broker required")
	}
	if !strings.Contains(c.Broker, "://") {
		return fmt.Errorf("config: broker must include a scheme, got %q", c.Broker)
	}
	if c.ClientID == "" {
		return fmt.Errorf("config: client_id required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("config: qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connect_timeout must be > 0, got %v", c.ConnectTimeout)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("config: publish_timeout must be > 0, got %v", c.PublishTimeout)
	}
	if strings.ContainsAny(c.RequestPrefix, "+#") {
		return fmt.Errorf("config: request_prefix must not contain wildcards")
	}
	return nil
}

// requestFilter is the subscription covering every request topic.
func (c Config) requestFilter() string {
	return strings.TrimSuffix(c.RequestPrefix, "/") + "/#"
}

// relayTopic strips the request prefix from an MQTT topic.
func (c Config) relayTopic(mqttTopic string) (string, bool) {
	prefix := strings.TrimSuffix(c.RequestPrefix, "/") + "/"
	if !strings.HasPrefix(mqttTopic, prefix) {
		return "", false
	}
	topic := strings.ReplaceAll(strings.TrimPrefix(mqttTopic, prefix), "/", ".")
	return topic, topic != ""
}

// RequestTopic returns the MQTT topic carrying requests for a relay topic.
// Dots in the relay topic become topic levels.
func (c Config) RequestTopic(topic string) string {
	return strings.TrimSuffix(c.RequestPrefix, "/") + "/" + strings.ReplaceAll(topic, ".", "/")
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"broker":          c.Broker,
		"client_id":       c.ClientID,
		"username":        c.Username,
		"password":        c.Password,
		"connect_timeout": c.ConnectTimeout,
		"publish_timeout": c.PublishTimeout,
		"keep_alive":      c.KeepAlive,
		"qos":             int(c.QoS),
		"request_prefix":  c.RequestPrefix,
	}
}

// ConfigFromMap converts cfg into Config, keeping defaults for missing keys.
func ConfigFromMap(cfg map[string]any) Config {
	d := Defaults()

	getString := func(k, def string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return def
	}
	getInt := func(k string, def int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return def
	}
	getDur := func(k string, def time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if dd, err := time.ParseDuration(v); err == nil {
				return dd
			}
		case int:
			return time.Duration(v) * time.Millisecond
		case float64:
			return time.Duration(v) * time.Millisecond
		}
		return def
	}

	return Config{
		Broker:         getString("broker", d.Broker),
		ClientID:       getString("client_id", d.ClientID),
		Username:       getString("username", d.Username),
		Password:       getString("password", d.Password),
		ConnectTimeout: getDur("connect_timeout", d.ConnectTimeout),
		PublishTimeout: getDur("publish_timeout", d.PublishTimeout),
		KeepAlive:      getDur("keep_alive", d.KeepAlive),
		QoS:            byte(getInt("qos", int(d.QoS))),
		RequestPrefix:  getString("request_prefix", d.RequestPrefix),
	}
}
