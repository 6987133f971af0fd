package xrelay

import (
	"context"

	"github.com/trickstertwo/xlog"
)

// Replier sends a reply object back to a requester. It reports success as a
// boolean; failures are logged by the implementation and never retried.
type Replier interface {
	Reply(ctx context.Context, meta Meta, reply any) bool
}

// ResponderOption customizes a responder.
type ResponderOption func(*Responder)

// WithResponderLogger injects the logger.
func WithResponderLogger(l *xlog.Logger) ResponderOption {
	return func(r *Responder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithResponderObserver injects the observer.
func WithResponderObserver(o Observer) ResponderOption {
	return func(r *Responder) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithResponderCodec overrides the reply codec (default JSON).
func WithResponderCodec(c Codec) ResponderOption {
	return func(r *Responder) {
		if c != nil {
			r.codec = c
		}
	}
}

// Responder publishes replies over a Transport, one channel per reply.
type Responder struct {
	transport Transport
	codec     Codec
	logger    *xlog.Logger
	observer  Observer
}

var _ Replier = (*Responder)(nil)

// NewResponder returns a responder publishing through t.
func NewResponder(t Transport, opts ...ResponderOption) *Responder {
	r := &Responder{
		transport: t,
		codec:     JSONCodec{},
		logger:    xlog.Default(),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Codec returns the reply codec.
func (r *Responder) Codec() Codec { return r.codec }

// Reply serializes reply and publishes it to meta.ReplyTo tagged with
// meta.CorrelationID. It returns false when the envelope carries no reply
// address, or when opening the channel, encoding or publishing fails.
func (r *Responder) Reply(ctx context.Context, meta Meta, reply any) bool {
	log := r.logger.With(
		xlog.Str("reply_to", meta.ReplyTo),
		xlog.Str("correlation_id", meta.CorrelationID),
	)
	if meta.ReplyTo == "" {
		r.fail(log, ErrNoReplyAddress, "xrelay: reply skipped")
		return false
	}
	if r.transport == nil {
		r.fail(log, ErrNoTransport, "xrelay: reply skipped")
		return false
	}

	body, err := r.codec.Marshal(reply)
	if err != nil {
		r.fail(log, err, "xrelay: reply encode failed")
		return false
	}

	ch, err := r.transport.OpenChannel(ctx)
	if err != nil {
		r.fail(log, err, "xrelay: reply channel open failed")
		return false
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("xrelay: reply channel close failed")
		}
	}()

	if err := ch.Publish(ctx, meta.ReplyTo, meta.CorrelationID, body); err != nil {
		r.fail(log, err, "xrelay: reply publish failed")
		return false
	}
	r.observer.OnEvent(Event{Type: Replied, Topic: meta.ReplyTo, Component: "responder"})
	return true
}

func (r *Responder) fail(log *xlog.Logger, err error, msg string) {
	log.Warn().Err(err).Msg(msg)
	r.observer.OnEvent(Event{Type: ReplyFailed, Topic: "", Component: "responder", Err: err})
}
