package xrelay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type published struct {
	ReplyTo       string
	CorrelationID string
	Body          []byte
}

// captureTransport records every publish; openErr and publishErr inject failures.
type captureTransport struct {
	mu         sync.Mutex
	sent       []published
	openErr    error
	publishErr error
	closed     bool
}

func (t *captureTransport) OpenChannel(ctx context.Context) (Channel, error) {
	if t.openErr != nil {
		return nil, t.openErr
	}
	return &captureChannel{t: t}, nil
}

func (t *captureTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *captureTransport) Sent() []published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]published(nil), t.sent...)
}

type captureChannel struct{ t *captureTransport }

func (c *captureChannel) Publish(ctx context.Context, replyTo, correlationID string, body []byte) error {
	if c.t.publishErr != nil {
		return c.t.publishErr
	}
	c.t.mu.Lock()
	c.t.sent = append(c.t.sent, published{replyTo, correlationID, append([]byte(nil), body...)})
	c.t.mu.Unlock()
	return nil
}

func (c *captureChannel) Close() error { return nil }

// pingTransport adds a failing Ping to captureTransport.
type pingTransport struct {
	captureTransport
}

func (p *pingTransport) Ping(ctx context.Context) error { return errors.New("connection refused") }

type sentReply struct {
	Meta  Meta
	Reply Reply
}

type recordingReplier struct {
	mu      sync.Mutex
	replies []sentReply
}

func (r *recordingReplier) Reply(ctx context.Context, meta Meta, reply any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, _ := reply.(Reply)
	r.replies = append(r.replies, sentReply{Meta: meta, Reply: rep})
	return true
}

func (r *recordingReplier) Replies() []sentReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentReply(nil), r.replies...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) Count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// topicWatcher records deliveries for one topic and accepts or refuses them.
type topicWatcher struct {
	topic  string
	refuse bool

	mu         sync.Mutex
	deliveries [][]*Envelope
}

func (w *topicWatcher) Interested(topic string) bool { return topic == w.topic }

func (w *topicWatcher) Deliver(msgs []*Envelope) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deliveries = append(w.deliveries, msgs)
	return !w.refuse
}

func (w *topicWatcher) Deliveries() [][]*Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]*Envelope(nil), w.deliveries...)
}

func newEnv(t *testing.T, kv ...string) *Envelope {
	t.Helper()
	env, err := NewEnvelope("test", NewPayload(kv...))
	require.NoError(t, err)
	return env
}

func echo() Processor {
	return ProcessorFunc(func(ctx context.Context, env *Envelope) (any, error) {
		v, _ := env.Field("msg")
		return v, nil
	})
}
