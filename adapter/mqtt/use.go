package mqtt

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xrelay"
)

const TransportName = "mqtt"

func init() {
	if err := xrelay.RegisterTransport(TransportName, func(cfg map[string]any) (xrelay.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg), nil)
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("xrelay: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Relay replying over MQTT plus the Ingress feeding it from the
// request topics. It panics when the broker cannot be reached.
func Use(cfg Config, opts ...Option) (*xrelay.Relay, *Ingress) {
	u := &use{rb: xrelay.NewRelayBuilder()}
	for _, o := range opts {
		if o != nil {
			o(u)
		}
	}
	tr, err := NewTransport(cfg, u.logger)
	if err != nil {
		panic(fmt.Errorf("mqtt.Use: %w", err))
	}
	relay, err := u.rb.WithTransportInstance(tr).Build()
	if err != nil {
		tr.client.Disconnect(0)
		panic(fmt.Errorf("mqtt.Use: %w", err))
	}
	return relay, NewIngress(tr, relay, u.logger)
}

type use struct {
	rb     *xrelay.RelayBuilder
	logger *xlog.Logger
}

// Option configures the relay construction when calling Use.
type Option func(*use)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(u *use) {
		u.logger = l
		u.rb.WithLogger(l)
	}
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(u *use) { u.rb.WithClock(c) }
}

// WithCodec selects the reply codec by name.
func WithCodec(name string) Option {
	return func(u *use) { u.rb.WithCodec(name) }
}

// WithWorker registers a worker spec.
func WithWorker(spec xrelay.WorkerSpec) Option {
	return func(u *use) { u.rb.WithWorker(spec) }
}

// WithMailboxes sets the shard count.
func WithMailboxes(n int) Option {
	return func(u *use) { u.rb.WithMailboxes(n) }
}

// WithExpiry sets the maximum envelope age kept in a mailbox.
func WithExpiry(d time.Duration) Option {
	return func(u *use) { u.rb.WithExpiry(d) }
}
