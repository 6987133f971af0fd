package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// Use builds a Relay replying over a fresh in-memory transport. It panics on
// invalid configuration, mirroring redisstream.Use.
//
// Example:
//
//	relay, tr := memory.Use(memory.Config{},
//	    memory.WithLogger(logger),
//	    memory.WithWorker(spec),
//	)
//	reply, err := tr.Request(ctx, relay, "client-1", "auth.login", "cli", payload)
func Use(cfg Config, opts ...Option) (*xrelay.Relay, *Transport) {
	tr := NewTransport(cfg)
	rb := xrelay.NewRelayBuilder().
		WithTransportInstance(tr).
		WithCodec(tr.cfg.Codec)

	for _, o := range opts {
		if o != nil {
			o(rb)
		}
	}

	relay, err := rb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return relay, tr
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"drop_unknown":    c.DropUnknown,
		"codec":           c.Codec,
		"request_timeout": c.RequestTimeout,
	}
}

// Option configures the xrelay.RelayBuilder when calling Use.
type Option func(*xrelay.RelayBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xrelay.RelayBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xrelay.RelayBuilder) { b.WithClock(c) }
}

// WithWorker registers a worker spec.
func WithWorker(spec xrelay.WorkerSpec) Option {
	return func(b *xrelay.RelayBuilder) { b.WithWorker(spec) }
}

// WithRegistry uses a prepared worker table.
func WithRegistry(reg *xrelay.Registry) Option {
	return func(b *xrelay.RelayBuilder) { b.WithRegistry(reg) }
}

// WithMailboxes sets the shard count.
func WithMailboxes(n int) Option {
	return func(b *xrelay.RelayBuilder) { b.WithMailboxes(n) }
}

// WithExpiry sets the maximum envelope age kept in a mailbox.
func WithExpiry(d time.Duration) Option {
	return func(b *xrelay.RelayBuilder) { b.WithExpiry(d) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xrelay.Middleware) Option {
	return func(b *xrelay.RelayBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for relay events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(b *xrelay.RelayBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xrelay.RelayBuilder) { b.WithObserverPool(workers, bufferSize) }
}
