package xrelay

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ReplyFuture is completed exactly once with the body of a correlated reply,
// or with an error when its correlator closes first.
type ReplyFuture struct {
	CorrelationID string

	ch   chan struct{}
	once sync.Once
	mu   sync.Mutex
	body []byte
	err  error
}

func newReplyFuture(id string) *ReplyFuture {
	return &ReplyFuture{CorrelationID: id, ch: make(chan struct{})}
}

func (f *ReplyFuture) complete(body []byte, err error) bool {
	done := false
	f.once.Do(func() {
		f.mu.Lock()
		f.body = body
		f.err = err
		f.mu.Unlock()
		close(f.ch)
		done = true
	})
	return done
}

// Done is closed when the reply arrived.
func (f *ReplyFuture) Done() <-chan struct{} { return f.ch }

// Wait blocks until the reply arrives or ctx is done.
func (f *ReplyFuture) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.ch:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.body, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the reply body without blocking; ok is false until completion.
func (f *ReplyFuture) Result() (body []byte, ok bool) {
	select {
	case <-f.ch:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.body, f.err == nil
	default:
		return nil, false
	}
}

// OnDone runs cb in a goroutine once the future completes.
func (f *ReplyFuture) OnDone(cb func(body []byte, err error)) {
	go func() {
		<-f.ch
		f.mu.Lock()
		body, err := f.body, f.err
		f.mu.Unlock()
		cb(body, err)
	}()
}

// Correlator matches incoming replies to outstanding requests by correlation id.
// It is the caller side of the reply protocol.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*ReplyFuture
	closed  bool
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*ReplyFuture)}
}

// NewCorrelationID returns a fresh correlation id.
func NewCorrelationID() string { return uuid.New().String() }

// Expect registers interest in id. An empty id gets a generated one.
// Registering the same id twice returns the existing future.
func (c *Correlator) Expect(id string) *ReplyFuture {
	if id == "" {
		id = NewCorrelationID()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.pending[id]; ok {
		return f
	}
	f := newReplyFuture(id)
	if c.closed {
		f.complete(nil, ErrCorrelatorClosed)
		return f
	}
	c.pending[id] = f
	return f
}

// Resolve completes the future waiting on id. It returns false for unknown or
// already resolved ids.
func (c *Correlator) Resolve(id string, body []byte) bool {
	c.mu.Lock()
	f, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	return f.complete(body, nil)
}

// Forget drops interest in id, e.g. after the caller gave up waiting.
func (c *Correlator) Forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every outstanding future with ErrCorrelatorClosed.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*ReplyFuture)
	c.mu.Unlock()
	for _, f := range pending {
		f.complete(nil, ErrCorrelatorClosed)
	}
}
