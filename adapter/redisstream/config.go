package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams transport, ingress and client.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Ingress: requests are read from RequestStream through a consumer group
	// and submitted to the relay.
	RequestStream string
	Group         string
	Consumer      string
	BatchSize     int
	Block         time.Duration
	AutoCreate    bool
	DeadLetter    string

	// Client: replies for this process are read from ReplyStream.
	ReplyStream    string
	RequestTimeout time.Duration

	// Stream management
	MaxLenApprox int64

	// Pending entry recovery (automatic crash recovery)
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

func consumerName() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xrelay"
	}
	return fmt.Sprintf("xrelay-%s-%d", hostname, os.Getpid())
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	consumer := consumerName()
	return Config{
		Addr:           "127.0.0.1:6379",
		RequestStream:  "xrelay:requests",
		Group:          "xrelay",
		Consumer:       consumer,
		BatchSize:      128,
		Block:          5 * time.Second,
		AutoCreate:     true,
		ReplyStream:    "xrelay:replies:" + consumer,
		RequestTimeout: 5 * time.Second,
		ClaimBatch:     128,
		ClaimInterval:  15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.RequestStream == "" {
		return fmt.Errorf("config: request_stream required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// toMap converts typed Config into the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"request_stream":  c.RequestStream,
		"group":           c.Group,
		"consumer":        c.Consumer,
		"batch_size":      c.BatchSize,
		"block":           c.Block,
		"auto_create":     c.AutoCreate,
		"dead_letter":     c.DeadLetter,
		"reply_stream":    c.ReplyStream,
		"request_timeout": c.RequestTimeout,
		"max_len_approx":  c.MaxLenApprox,
		"claim_min_idle":  c.ClaimMinIdle,
		"claim_batch":     c.ClaimBatch,
		"claim_interval":  c.ClaimInterval,
	}
}

// ConfigFromMap safely converts cfg into Config with defaults.
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
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return def
	}
	getInt64 := func(k string, def int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return def
	}
	getBool := func(k string, def bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return def
	}
	getDur := func(k string, def time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return def
	}

	return Config{
		Addr:          getString("addr", d.Addr),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),

		RequestStream: getString("request_stream", d.RequestStream),
		Group:         getString("group", d.Group),
		Consumer:      getString("consumer", d.Consumer),
		BatchSize:     getInt("batch_size", d.BatchSize),
		Block:         getDur("block", d.Block),
		AutoCreate:    getBool("auto_create", d.AutoCreate),
		DeadLetter:    getString("dead_letter", ""),

		ReplyStream:    getString("reply_stream", d.ReplyStream),
		RequestTimeout: getDur("request_timeout", d.RequestTimeout),

		MaxLenApprox: getInt64("max_len_approx", 0),

		ClaimMinIdle:  getDur("claim_min_idle", 0),
		ClaimBatch:    getInt("claim_batch", d.ClaimBatch),
		ClaimInterval: getDur("claim_interval", d.ClaimInterval),
	}
}
