package redisstream

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xrelay"
)

// Adapter: Redis Streams Transport (Strategy + Adapter patterns)

const TransportName = "redis-streams"

func init() {
	if err := xrelay.RegisterTransport(TransportName, func(cfg map[string]any) (xrelay.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("xrelay: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Relay replying over Redis Streams plus the Ingress feeding it
// from the request stream. It panics on invalid configuration.
func Use(cfg Config, opts ...Option) (*xrelay.Relay, *Ingress) {
	tr, err := NewTransport(cfg)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	u := &use{rb: xrelay.NewRelayBuilder().WithTransportInstance(tr)}
	for _, o := range opts {
		if o != nil {
			o(u)
		}
	}
	relay, err := u.rb.Build()
	if err != nil {
		_ = tr.client.Close()
		panic(fmt.Errorf("redisstream.Use: %w", err))
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

// WithCodec selects the reply codec by name (default: json).
func WithCodec(name string) Option {
	return func(u *use) { u.rb.WithCodec(name) }
}

// WithWorker registers a worker spec.
func WithWorker(spec xrelay.WorkerSpec) Option {
	return func(u *use) { u.rb.WithWorker(spec) }
}

// WithRegistry uses a prepared worker table.
func WithRegistry(reg *xrelay.Registry) Option {
	return func(u *use) { u.rb.WithRegistry(reg) }
}

// WithMailboxes sets the shard count.
func WithMailboxes(n int) Option {
	return func(u *use) { u.rb.WithMailboxes(n) }
}

// WithExpiry sets the maximum envelope age kept in a mailbox.
func WithExpiry(d time.Duration) Option {
	return func(u *use) { u.rb.WithExpiry(d) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xrelay.Middleware) Option {
	return func(u *use) { u.rb.WithMiddleware(mw...) }
}

// WithObserver attaches observers for relay events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(u *use) { u.rb.WithObserver(obs...) }
}
