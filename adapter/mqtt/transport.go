package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xrelay"
)

var (
	ErrNotConnected   = errors.New("mqtt: not connected")
	ErrConnectTimeout = errors.New("mqtt: connection timeout")
	ErrPublishTimeout = errors.New("mqtt: publish timeout")
)

// Transport publishes reply frames to the MQTT topic named by the request's
// reply address.
type Transport struct {
	cfg    Config
	client paho.Client
	clock  xclock.Clock
	logger *xlog.Logger

	closed atomic.Bool

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

// Stats contains transport statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

var (
	_ xrelay.Transport = (*Transport)(nil)
	_ xrelay.Pinger    = (*Transport)(nil)
)

// NewTransport connects to the broker and waits up to ConnectTimeout.
func NewTransport(cfg Config, logger *xlog.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = xlog.Default()
	}
	t := &Transport{
		cfg:       cfg,
		clock:     xclock.Default(),
		logger:    logger.With(xlog.Str("broker", cfg.Broker), xlog.Str("client_id", cfg.ClientID)),
		published: make(map[string]uint64),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(paho.Client) {
		t.setConnected(true)
		t.logger.Info().Msg("xrelay/mqtt: connection established")
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		t.setConnected(false)
		t.logger.Warn().Err(err).Msg("xrelay/mqtt: connection lost, will auto-reconnect")
	}
	t.client = paho.NewClient(opts)

	token := t.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		t.client.Disconnect(0)
		return nil, ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}
	t.setConnected(true)
	return t, nil
}

func (t *Transport) Name() string { return TransportName }

// Config returns the effective configuration.
func (t *Transport) Config() Config { return t.cfg }

// Client exposes the underlying paho client.
func (t *Transport) Client() paho.Client { return t.client }

// OpenChannel returns a publishing handle sharing the broker connection.
func (t *Transport) OpenChannel(ctx context.Context) (xrelay.Channel, error) {
	if t.closed.Load() {
		return nil, xrelay.ErrTransportClosed
	}
	if !t.isConnected() {
		return nil, ErrNotConnected
	}
	return &channel{t: t}, nil
}

type channel struct {
	t *Transport
}

// Publish sends a reply frame to the topic replyTo.
func (c *channel) Publish(ctx context.Context, replyTo, correlationID string, body []byte) error {
	t := c.t
	if t.closed.Load() {
		return xrelay.ErrTransportClosed
	}
	frame, err := encodeReply(correlationID, body, t.clock.Now())
	if err != nil {
		t.countError()
		return fmt.Errorf("mqtt: encode reply: %w", err)
	}
	if err := t.publish(ctx, replyTo, frame); err != nil {
		return err
	}
	t.logger.Debug().Str("topic", replyTo).Str("correlation_id", correlationID).Msg("xrelay/mqtt: reply published")
	return nil
}

func (c *channel) Close() error { return nil }

func (t *Transport) publish(ctx context.Context, topic string, payload []byte) error {
	if !t.isConnected() {
		t.countError()
		return ErrNotConnected
	}
	token := t.client.Publish(topic, t.cfg.QoS, false, payload)
	timeout := t.cfg.PublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := dl.Sub(t.clock.Now()); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 || !token.WaitTimeout(timeout) {
		t.countError()
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		t.countError()
		return fmt.Errorf("mqtt: publish failed: %w", err)
	}
	t.mu.Lock()
	t.published[topic]++
	t.mu.Unlock()
	return nil
}

// Ping reports whether the broker connection is up.
func (t *Transport) Ping(context.Context) error {
	if t.closed.Load() {
		return xrelay.ErrTransportClosed
	}
	if !t.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return nil
}

// Stats returns transport statistics.
func (t *Transport) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	published := make(map[string]uint64, len(t.published))
	for k, v := range t.published {
		published[k] = v
	}
	return Stats{Connected: t.connected, Published: published, Errors: t.errors}
}

// Close disconnects with a 250ms grace period.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.client.IsConnected() {
		t.client.Disconnect(250)
		t.logger.Info().Msg("xrelay/mqtt: disconnected")
	}
	t.setConnected(false)
	return nil
}

func (t *Transport) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

func (t *Transport) isConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Transport) countError() {
	t.mu.Lock()
	t.errors++
	t.mu.Unlock()
}
