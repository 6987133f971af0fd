package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xrelay"
)

const TransportName = "memory"

// ErrUnknownAddress is returned by Publish when nobody listens on the reply address.
var ErrUnknownAddress = errors.New("xrelay/memory: no listener for reply address")

func init() {
	if err := xrelay.RegisterTransport(TransportName, func(cfg map[string]any) (xrelay.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xrelay/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// DropUnknown silently discards replies to addresses nobody listens on
	// instead of failing the publish (default: false).
	DropUnknown bool
	// Codec names the codec used by Request to decode replies (default: "json").
	Codec string
	// RequestTimeout bounds Request when ctx carries no deadline (default: 5s).
	RequestTimeout time.Duration
}

func ConfigFromMap(cfg map[string]any) Config {
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	getStr := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
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
		return d
	}

	return Config{
		DropUnknown:    getBool("drop_unknown", false),
		Codec:          getStr("codec", "json"),
		RequestTimeout: getDur("request_timeout", 5*time.Second),
	}
}

// Transport implements xrelay.Transport in memory. Reply addresses are
// backed by correlators obtained through Listen (dev/testing).
type Transport struct {
	cfg   Config
	codec xrelay.Codec

	mu        sync.RWMutex
	listeners map[string]*xrelay.Correlator

	closed atomic.Bool

	published atomic.Uint64
	orphaned  atomic.Uint64
	dropped   atomic.Uint64
}

var _ xrelay.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.Codec == "" {
		cfg.Codec = "json"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	codec, err := xrelay.NewCodec(cfg.Codec)
	if err != nil {
		codec = xrelay.JSONCodec{}
	}
	return &Transport{
		cfg:       cfg,
		codec:     codec,
		listeners: make(map[string]*xrelay.Correlator),
	}
}

func (t *Transport) Name() string { return TransportName }

// Listen returns the correlator receiving replies published to address,
// creating it on first use.
func (t *Transport) Listen(address string) *xrelay.Correlator {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.listeners[address]
	if !ok {
		c = xrelay.NewCorrelator()
		t.listeners[address] = c
	}
	return c
}

// OpenChannel returns a publishing handle.
func (t *Transport) OpenChannel(ctx context.Context) (xrelay.Channel, error) {
	if t.closed.Load() {
		return nil, xrelay.ErrTransportClosed
	}
	return &channel{t: t}, nil
}

func (t *Transport) publish(replyTo, correlationID string, body []byte) error {
	if t.closed.Load() {
		return xrelay.ErrTransportClosed
	}
	t.mu.RLock()
	c, ok := t.listeners[replyTo]
	t.mu.RUnlock()
	if !ok {
		if t.cfg.DropUnknown {
			t.dropped.Add(1)
			return nil
		}
		return fmt.Errorf("%w: %q", ErrUnknownAddress, replyTo)
	}
	t.published.Add(1)
	// copy: the publisher may reuse body
	cp := make([]byte, len(body))
	copy(cp, body)
	if !c.Resolve(correlationID, cp) {
		t.orphaned.Add(1)
	}
	return nil
}

// Submitter is the part of a relay a client needs.
type Submitter interface {
	Submit(topic string, env *xrelay.Envelope) error
}

// Request submits payload on topic with a reply address of address, waits for
// the correlated reply and decodes it.
func (t *Transport) Request(ctx context.Context, s Submitter, address, topic, origin string, payload *xrelay.Payload) (xrelay.Reply, error) {
	var reply xrelay.Reply
	if t.closed.Load() {
		return reply, xrelay.ErrTransportClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
	}

	corr := t.Listen(address)
	id := xrelay.NewCorrelationID()
	fut := corr.Expect(id)

	env, err := xrelay.NewEnvelope(origin, payload, xrelay.WithReply(address, id))
	if err != nil {
		corr.Forget(id)
		return reply, err
	}
	if err := s.Submit(topic, env); err != nil {
		corr.Forget(id)
		return reply, err
	}
	body, err := fut.Wait(ctx)
	if err != nil {
		corr.Forget(id)
		return reply, err
	}
	if err := t.codec.Unmarshal(body, &reply); err != nil {
		return reply, fmt.Errorf("xrelay/memory: decode reply: %w", err)
	}
	return reply, nil
}

// Stats returns transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Published: t.published.Load(),
		Orphaned:  t.orphaned.Load(),
		Dropped:   t.dropped.Load(),
	}
}

// Stats holds transport counters. Orphaned counts replies nobody waited for.
type Stats struct {
	Published uint64
	Orphaned  uint64
	Dropped   uint64
}

// Close fails every pending request and rejects further publishes.
func (t *Transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	listeners := t.listeners
	t.listeners = make(map[string]*xrelay.Correlator)
	t.mu.Unlock()
	for _, c := range listeners {
		c.Close()
	}
	return nil
}

type channel struct {
	t *Transport
}

func (c *channel) Publish(ctx context.Context, replyTo, correlationID string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.t.publish(replyTo, correlationID, body)
}

func (c *channel) Close() error { return nil }
