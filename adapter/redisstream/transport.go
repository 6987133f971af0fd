package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xrelay"
)

// Transport publishes replies as entries of the reply stream named by the
// request's reply address.
type Transport struct {
	cfg    Config
	client *redis.Client
	clock  xclock.Clock

	closed atomic.Bool

	metrics transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	published     atomic.Uint64
	publishErrors atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	deadLettered  atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	PublishErrors uint64
	Consumed      uint64
	Acked         uint64
	DeadLettered  uint64
	ConsumeErrors uint64
}

var (
	_ xrelay.Transport = (*Transport)(nil)
	_ xrelay.Pinger    = (*Transport)(nil)
)

// NewTransport connects to Redis and verifies the connection.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(context.Background(), client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Transport{cfg: cfg, client: client, clock: xclock.Default()}, nil
}

func (t *Transport) Name() string { return TransportName }

// Config returns the effective configuration.
func (t *Transport) Config() Config { return t.cfg }

// Client exposes the underlying Redis client.
func (t *Transport) Client() *redis.Client { return t.client }

// OpenChannel returns a publishing handle. Channels share the client's pool.
func (t *Transport) OpenChannel(ctx context.Context) (xrelay.Channel, error) {
	if t.closed.Load() {
		return nil, xrelay.ErrTransportClosed
	}
	return &channel{t: t}, nil
}

type channel struct {
	t *Transport
}

// Publish XADDs the reply to the stream named replyTo.
func (c *channel) Publish(ctx context.Context, replyTo, correlationID string, body []byte) error {
	t := c.t
	if t.closed.Load() {
		return xrelay.ErrTransportClosed
	}
	args := &redis.XAddArgs{
		Stream: replyTo,
		ID:     "*",
		Values: encodeReply(correlationID, body, t.clock.Now()),
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.metrics.publishErrors.Add(1)
		return err
	}
	t.metrics.published.Add(1)
	return nil
}

func (c *channel) Close() error { return nil }

// Ping checks Redis reachability.
func (t *Transport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return xrelay.ErrTransportClosed
	}
	return ping(ctx, t.client)
}

// Stats returns transport counters.
func (t *Transport) Stats() Stats {
	m := &t.metrics
	return Stats{
		Published:     m.published.Load(),
		PublishErrors: m.publishErrors.Load(),
		Consumed:      m.consumed.Load(),
		Acked:         m.acked.Load(),
		DeadLettered:  m.deadLettered.Load(),
		ConsumeErrors: m.consumeErrors.Load(),
	}
}

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

// Helper functions

func ping(ctx context.Context, c *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

// ensureGroup creates group reading from the start of stream, so requests
// written before the first consumer started are not skipped.
func ensureGroup(ctx context.Context, c *redis.Client, stream, group string) error {
	err := c.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func _max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func _min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
