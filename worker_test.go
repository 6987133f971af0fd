package xrelay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, cfg WorkerConfig, p Processor, opts ...WorkerOption) *Worker {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "echo"
	}
	if cfg.Topic == "" {
		cfg.Topic = "echo"
	}
	w, err := NewWorker(cfg, p, opts...)
	require.NoError(t, err)
	return w
}

func replyEnv(t *testing.T, corr string, kv ...string) *Envelope {
	t.Helper()
	env, err := NewEnvelope("test", NewPayload(kv...), WithReply("client-1", corr))
	require.NoError(t, err)
	return env
}

func TestNewWorker_Invalid(t *testing.T) {
	_, err := NewWorker(WorkerConfig{Topic: "echo"}, echo())
	assert.ErrorIs(t, err, ErrInvalidWorker)
	_, err = NewWorker(WorkerConfig{Name: "echo"}, echo())
	assert.ErrorIs(t, err, ErrInvalidWorker)
	_, err = NewWorker(WorkerConfig{Name: "echo", Topic: "echo"}, nil)
	assert.ErrorIs(t, err, ErrInvalidWorker)
}

func TestWorker_DeliverThenDrain(t *testing.T) {
	replier := &recordingReplier{}
	events := &eventLog{}
	w := newTestWorker(t, WorkerConfig{}, echo(), WithWorkerReplier(replier), WithWorkerObserver(events))

	assert.True(t, w.Interested("echo"))
	assert.False(t, w.Interested("auth"))

	env := replyEnv(t, "corr-1", "msg", "hello")
	require.True(t, w.Deliver([]*Envelope{env}))
	require.True(t, w.Deliver([]*Envelope{env}), "redelivery is accepted")
	assert.Equal(t, 1, w.Pending(), "pending envelopes are deduplicated")

	handled, ok := w.Drain(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, handled)
	assert.True(t, env.Collected())
	assert.Equal(t, 0, w.Pending())

	replies := replier.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "corr-1", replies[0].Meta.CorrelationID)
	assert.Equal(t, "client-1", replies[0].Meta.ReplyTo)
	assert.Equal(t, OK("hello"), replies[0].Reply)
	assert.Equal(t, 1, events.Count(Processed))

	s, ok := w.Lifecycle().Sample("process")
	require.True(t, ok)
	assert.Equal(t, uint64(1), s.Count)

	// collected envelopes are skipped on later deliveries
	require.True(t, w.Deliver([]*Envelope{env}))
	assert.Equal(t, 0, w.Pending())
}

func TestWorker_DeliverTimesOutWhileInboxHeld(t *testing.T) {
	events := &eventLog{}
	w := newTestWorker(t, WorkerConfig{LockTimeout: 200 * time.Millisecond}, echo(), WithWorkerObserver(events))
	mb := NewMailbox(0, events)
	mb.RegisterWatcher(w)

	holder := NewOwner()
	ok, err := w.Locks().TryAcquire(holder, "inbox", 0)
	require.NoError(t, err)
	require.True(t, ok)
	release := time.AfterFunc(300*time.Millisecond, func() { _ = w.Locks().Release(holder, "inbox") })
	defer release.Stop()

	env := newEnv(t, "msg", "hello")
	start := time.Now()
	require.NoError(t, mb.Enqueue("echo", env))
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	assert.Equal(t, 1, events.Count(LockMissed))
	assert.Equal(t, 1, events.Count(DeliverMissed))
	assert.Equal(t, []*Envelope{env}, mb.GetMessages("echo"))
	assert.False(t, env.Collected())

	// once the holder lets go the envelope is still available
	time.Sleep(150 * time.Millisecond)
	assert.True(t, w.Deliver(mb.GetMessages("echo")))
	assert.Equal(t, 1, w.Pending())
}

func TestWorker_RequiredFields(t *testing.T) {
	var calls atomic.Int32
	p := ProcessorFunc(func(ctx context.Context, env *Envelope) (any, error) {
		calls.Add(1)
		return "ok", nil
	})
	replier := &recordingReplier{}
	w := newTestWorker(t, WorkerConfig{RequiredFields: []string{"username", "password"}}, p, WithWorkerReplier(replier))

	w.Deliver([]*Envelope{
		replyEnv(t, "c1", "username", "ada"),
		replyEnv(t, "c2", "username", "ada", "password", ""),
		replyEnv(t, "c3", "username", "ada", "password", "x"),
	})
	handled, _ := w.Drain(context.Background())
	assert.Equal(t, 3, handled)
	assert.Equal(t, int32(1), calls.Load())

	replies := replier.Replies()
	require.Len(t, replies, 3)
	for _, r := range replies[:2] {
		require.Equal(t, StatusError, r.Reply.Status)
		assert.Equal(t, Failure{Category: CategoryValidation, Message: "required", Field: "password"}, *r.Reply.Error)
	}
	assert.Equal(t, StatusOK, replies[2].Reply.Status)
}

func TestWorker_RawBodyValidation(t *testing.T) {
	replier := &recordingReplier{}
	p := ProcessorFunc(func(ctx context.Context, env *Envelope) (any, error) {
		in, err := Decode[map[string]string](ctx, env)
		return in["ticket"], err
	})
	w := newTestWorker(t, WorkerConfig{RequiredFields: []string{"ticket"}}, p, WithWorkerReplier(replier))

	raw := func(corr, body string) *Envelope {
		env, err := NewRawEnvelope("test", []byte(body), WithReply("client-1", corr))
		require.NoError(t, err)
		return env
	}
	w.Deliver([]*Envelope{raw("c1", `not json`), raw("c2", `{"other":"x"}`), raw("c3", `{"ticket":"t-1"}`)})
	_, ok := w.Drain(context.Background())
	require.True(t, ok)

	replies := replier.Replies()
	require.Len(t, replies, 3)
	assert.Equal(t, "malformed body", replies[0].Reply.Error.Message)
	assert.Equal(t, "ticket", replies[1].Reply.Error.Field)
	assert.Equal(t, OK("t-1"), replies[2].Reply)
}

func TestWorker_FailuresAreReplied(t *testing.T) {
	replier := &recordingReplier{}
	events := &eventLog{}
	p := ProcessorFunc(func(ctx context.Context, env *Envelope) (any, error) {
		switch v, _ := env.Field("mode"); v {
		case "internal":
			return nil, errors.New("db: connection reset by peer")
		case "ambiguous":
			return nil, ErrAmbiguous
		case "panic":
			panic("boom")
		}
		return nil, Invalid("mode", "unsupported")
	})
	w := newTestWorker(t, WorkerConfig{}, p, WithWorkerReplier(replier), WithWorkerObserver(events))

	w.Deliver([]*Envelope{
		replyEnv(t, "c1", "mode", "internal"),
		replyEnv(t, "c2", "mode", "ambiguous"),
		replyEnv(t, "c3", "mode", "panic"),
		replyEnv(t, "c4", "mode", "other"),
	})
	handled, _ := w.Drain(context.Background())
	require.Equal(t, 4, handled)

	replies := replier.Replies()
	require.Len(t, replies, 4)
	for _, r := range replies[:3] {
		assert.Equal(t, Failure{Category: CategoryInternal, Message: "internal error"}, *r.Reply.Error, r.Meta.CorrelationID)
	}
	assert.Equal(t, CategoryValidation, replies[3].Reply.Error.Category)
	assert.Equal(t, 4, events.Count(Failed))
	assert.Equal(t, 1, events.Count(Error), "only the panic is reported as an error")
}

func TestWorker_NoReplyWithoutAddressOrWhenCollectedElsewhere(t *testing.T) {
	replier := &recordingReplier{}
	w := newTestWorker(t, WorkerConfig{}, echo(), WithWorkerReplier(replier))

	noAddr := newEnv(t, "msg", "a")
	taken := replyEnv(t, "c2", "msg", "b")
	w.Deliver([]*Envelope{noAddr, taken})
	require.NoError(t, taken.MarkCollected(time.Now()))

	handled, _ := w.Drain(context.Background())
	assert.Equal(t, 1, handled)
	assert.True(t, noAddr.Collected())
	assert.Empty(t, replier.Replies())
}

func TestWorker_ProcessorContext(t *testing.T) {
	var (
		gotMeta  Meta
		gotCodec string
		hasLog   bool
	)
	p := ProcessorFunc(func(ctx context.Context, env *Envelope) (any, error) {
		gotMeta, _ = MetaFromContext(ctx)
		if c, ok := CodecFromContext(ctx); ok {
			gotCodec = c.Name()
		}
		_, hasLog = LoggerFromContext(ctx)
		return nil, nil
	})
	w := newTestWorker(t, WorkerConfig{}, p, WithWorkerCodec(MsgpackCodec{}))
	w.Deliver([]*Envelope{replyEnv(t, "c1", "msg", "x")})
	w.Drain(context.Background())

	assert.Equal(t, "c1", gotMeta.CorrelationID)
	assert.Equal(t, "msgpack", gotCodec)
	assert.True(t, hasLog)
}

func TestWorker_RunDrainsOnDelivery(t *testing.T) {
	replier := &recordingReplier{}
	w := newTestWorker(t, WorkerConfig{IdleInterval: 20 * time.Millisecond}, echo(), WithWorkerReplier(replier))
	mb := NewMailbox(0, nil)
	mb.RegisterWatcher(w)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()
	require.Eventually(t, func() bool { return w.Lifecycle().State() == StateWorking }, time.Second, 5*time.Millisecond)

	require.NoError(t, mb.Enqueue("echo", replyEnv(t, "c1", "msg", "hi")))
	require.Eventually(t, func() bool { return len(replier.Replies()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, mb.GetMessages("echo"))

	w.Stop()
	w.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, StateStopped, w.Lifecycle().State())
	assert.ErrorIs(t, w.Run(context.Background()), ErrInvalidState)
}

func TestWorker_ConcurrentDrainPassesExclude(t *testing.T) {
	replier := &recordingReplier{}
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	p := ProcessorFunc(func(ctx context.Context, env *Envelope) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return "done", nil
	})
	w := newTestWorker(t, WorkerConfig{LockTimeout: 30 * time.Millisecond}, p, WithWorkerReplier(replier))
	require.True(t, w.Deliver([]*Envelope{replyEnv(t, "c1", "msg", "a"), replyEnv(t, "c2", "msg", "b")}))

	done := make(chan int, 1)
	go func() {
		handled, _ := w.Drain(context.Background())
		done <- handled
	}()
	<-started

	handled, ok := w.Drain(context.Background())
	assert.False(t, ok, "a second pass must not enter while the first holds the inbox")
	assert.Equal(t, 0, handled)

	close(release)
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("first pass did not finish")
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, replier.Replies(), 2)
}
