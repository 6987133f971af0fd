package xrelay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// Meta carries the request properties needed to answer an envelope:
// where to reply and which correlation id to echo.
type Meta struct {
	ReplyTo       string
	CorrelationID string
	Headers       map[string]string
}

// Envelope is the unit of work traveling through mailboxes and workers.
// Identity, origin and content are immutable after construction; only the
// collection status changes.
type Envelope struct {
	ID         string
	Origin     string
	ReceivedAt time.Time
	Payload    *Payload // ordered key/value content, nil for raw envelopes
	Body       []byte   // opaque serialized content, nil for payload envelopes
	Meta       Meta

	mu          sync.Mutex
	collected   bool
	collectedAt time.Time
}

// EnvelopeOption customizes envelope construction.
type EnvelopeOption func(*envelopeOptions)

type envelopeOptions struct {
	clock      xclock.Clock
	receivedAt time.Time
	meta       Meta
	id         string
}

// WithClock sets the clock used for the received timestamp.
func WithClock(c xclock.Clock) EnvelopeOption {
	return func(o *envelopeOptions) { o.clock = c }
}

// WithReceivedAt overrides the received timestamp (e.g. the producer's timestamp
// carried by an ingress transport).
func WithReceivedAt(t time.Time) EnvelopeOption {
	return func(o *envelopeOptions) { o.receivedAt = t }
}

// WithMeta attaches reply routing properties.
func WithMeta(m Meta) EnvelopeOption {
	return func(o *envelopeOptions) { o.meta = m }
}

// WithReply is shorthand for WithMeta with only the correlation pair set.
func WithReply(replyTo, correlationID string) EnvelopeOption {
	return func(o *envelopeOptions) {
		o.meta.ReplyTo = replyTo
		o.meta.CorrelationID = correlationID
	}
}

// WithID keeps an identity assigned upstream instead of generating one.
func WithID(id string) EnvelopeOption {
	return func(o *envelopeOptions) { o.id = id }
}

// NewEnvelope creates an envelope carrying an ordered payload.
func NewEnvelope(origin string, payload *Payload, opts ...EnvelopeOption) (*Envelope, error) {
	if payload.Len() == 0 {
		return nil, ErrEmptyPayload
	}
	return newEnvelope(origin, payload, nil, opts)
}

// NewRawEnvelope creates an envelope carrying an opaque body.
func NewRawEnvelope(origin string, body []byte, opts ...EnvelopeOption) (*Envelope, error) {
	if len(body) == 0 {
		return nil, ErrEmptyPayload
	}
	return newEnvelope(origin, nil, body, opts)
}

func newEnvelope(origin string, payload *Payload, body []byte, opts []EnvelopeOption) (*Envelope, error) {
	if origin == "" {
		return nil, ErrEmptyOrigin
	}
	o := envelopeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.clock == nil {
		o.clock = xclock.Default()
	}
	if o.receivedAt.IsZero() {
		o.receivedAt = o.clock.Now()
	}
	if o.id == "" {
		o.id = uuid.New().String()
	}
	return &Envelope{
		ID:         o.id,
		Origin:     origin,
		ReceivedAt: o.receivedAt,
		Payload:    payload,
		Body:       body,
		Meta:       o.meta,
	}, nil
}

// Field returns a payload value.
func (e *Envelope) Field(key string) (string, bool) {
	return e.Payload.Get(key)
}

// MarkCollected records that a consumer took ownership. Collecting twice is a
// caller bug and returns ErrAlreadyCollected. A zero at is stamped with the
// default clock.
func (e *Envelope) MarkCollected(at time.Time) error {
	if at.IsZero() {
		at = xclock.Default().Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.collected {
		return ErrAlreadyCollected
	}
	e.collected = true
	e.collectedAt = at
	return nil
}

// Collected reports whether a consumer took ownership.
func (e *Envelope) Collected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collected
}

// CollectedAt returns the collection timestamp, zero if uncollected.
func (e *Envelope) CollectedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collectedAt
}

// Age returns how long the envelope has existed at now.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.ReceivedAt)
}
