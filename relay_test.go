package xrelay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRelay(t *testing.T, tr Transport, configure func(b *RelayBuilder)) *Relay {
	t.Helper()
	b := NewRelayBuilder().
		WithTransportInstance(tr).
		WithSyncObservers().
		WithIdleInterval(20 * time.Millisecond).
		WithTickInterval(20 * time.Millisecond)
	if configure != nil {
		configure(b)
	}
	r, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func runRelay(t *testing.T, r *Relay) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return r.Dispatcher().Lifecycle().State() == StateWorking
	}, time.Second, 5*time.Millisecond)
	return errCh
}

func TestRelay_RoundTripRepliesOnce(t *testing.T) {
	tr := &captureTransport{}
	r := buildRelay(t, tr, func(b *RelayBuilder) {
		b.WithWorker(WorkerSpec{Name: "echo", Topic: "echo", Required: []string{"msg"}, New: func() (Processor, error) { return echo(), nil }})
	})
	runRelay(t, r)

	env, err := NewEnvelope("test", NewPayload("msg", "hello"), WithReply("client-1", "corr-42"))
	require.NoError(t, err)
	require.NoError(t, r.Submit("echo", env))

	require.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "client-1", sent[0].ReplyTo)
	assert.Equal(t, "corr-42", sent[0].CorrelationID)

	var reply Reply
	require.NoError(t, json.Unmarshal(sent[0].Body, &reply))
	assert.Equal(t, OK("hello"), reply)

	m := r.Metrics()
	assert.Equal(t, uint64(1), m.Submitted)
	assert.Equal(t, uint64(1), m.Processed)
	assert.Equal(t, uint64(1), m.Replied)
}

func TestRelay_ReplicasShareOneReply(t *testing.T) {
	tr := &captureTransport{}
	r := buildRelay(t, tr, func(b *RelayBuilder) {
		b.WithWorker(WorkerSpec{Name: "echo", Topic: "echo", Replicas: 3, New: func() (Processor, error) { return echo(), nil }})
	})
	workers := r.Workers()
	require.Len(t, workers, 3)
	assert.Equal(t, "echo-0", workers[0].Name())
	runRelay(t, r)

	for i := 0; i < 5; i++ {
		env, err := NewEnvelope("test", NewPayload("msg", "x"), WithReply("client-1", NewCorrelationID()))
		require.NoError(t, err)
		require.NoError(t, r.Submit("echo", env))
	}
	require.Eventually(t, func() bool { return len(tr.Sent()) == 5 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	seen := map[string]int{}
	for _, s := range tr.Sent() {
		seen[s.CorrelationID]++
	}
	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestRelay_Lifecycle(t *testing.T) {
	tr := &captureTransport{}
	r := buildRelay(t, tr, nil)
	errCh := runRelay(t, r)

	assert.ErrorIs(t, r.Run(context.Background()), ErrInvalidState)

	require.NoError(t, r.Close(context.Background()))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	require.NoError(t, r.Close(context.Background()))

	assert.ErrorIs(t, r.Submit("echo", newEnv(t, "a", "1")), ErrRelayClosed)
	assert.ErrorIs(t, r.Run(context.Background()), ErrRelayClosed)
	assert.Equal(t, StateDestroyed, r.Dispatcher().Lifecycle().State())
	assert.True(t, tr.closed)
	assert.Equal(t, "unhealthy", r.Health(context.Background()).Status)
}

func TestRelay_CloseTimeoutLetsLoopsStopCleanly(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := ProcessorFunc(func(ctx context.Context, env *Envelope) (any, error) {
		close(started)
		<-release
		return "late", nil
	})
	tr := &captureTransport{}
	r := buildRelay(t, tr, func(b *RelayBuilder) {
		b.WithWorker(WorkerSpec{Name: "slow", Topic: "slow", New: func() (Processor, error) { return blocking, nil }})
	})
	errCh := runRelay(t, r)
	require.NoError(t, r.Submit("slow", newEnv(t, "msg", "x")))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
	assert.NotEqual(t, StateDestroyed, r.Workers()[0].Lifecycle().State(), "a busy loop is not destroyed under it")

	close(release)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Eventually(t, func() bool {
		return r.Workers()[0].Lifecycle().State() == StateDestroyed &&
			r.Dispatcher().Lifecycle().State() == StateDestroyed
	}, time.Second, 5*time.Millisecond)
}

func TestRelay_MetricsCountStateChanges(t *testing.T) {
	r := buildRelay(t, &captureTransport{}, func(b *RelayBuilder) {
		b.WithWorker(WorkerSpec{Name: "echo", Topic: "echo", New: func() (Processor, error) { return echo(), nil }})
	})
	runRelay(t, r)
	// dispatcher and worker each move Initialized -> Working
	assert.Eventually(t, func() bool { return r.Metrics().StateChanges >= 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, r.Metrics().Errors)
}

func TestRelay_Health(t *testing.T) {
	tr := &captureTransport{}
	r := buildRelay(t, tr, func(b *RelayBuilder) {
		b.WithWorker(WorkerSpec{Name: "echo", Topic: "echo", New: func() (Processor, error) { return echo(), nil }})
	})
	st := r.Health(context.Background())
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "initialized/healthy", st.Components["echo"])

	for i := 0; i < DefaultHealthPolicy().TroubledAfter; i++ {
		r.Workers()[0].Lifecycle().RecordLockMiss()
	}
	st = r.Health(context.Background())
	assert.Equal(t, "degraded", st.Status)
	assert.Contains(t, st.Message, "echo")

	down := buildRelay(t, &pingTransport{}, nil)
	assert.Equal(t, "unhealthy", down.Health(context.Background()).Status)
}

func TestRelay_ReplyFailureRateDegrades(t *testing.T) {
	r := buildRelay(t, &captureTransport{}, nil)
	for i := 0; i < 10; i++ {
		r.hub.OnEvent(Event{Type: Replied})
	}
	assert.Equal(t, "healthy", r.Health(context.Background()).Status)
	r.hub.OnEvent(Event{Type: ReplyFailed})
	assert.Equal(t, "degraded", r.Health(context.Background()).Status)
}

func TestRelayBuilder_Errors(t *testing.T) {
	_, err := NewRelayBuilder().Build()
	assert.ErrorIs(t, err, ErrNoTransport)

	_, err = NewRelayBuilder().WithTransport("carrier-pigeon", nil).Build()
	assert.ErrorAs(t, err, &ErrUnknownTransport{})

	_, err = NewRelayBuilder().WithTransportInstance(&captureTransport{}).WithCodec("xml").Build()
	assert.Error(t, err)

	_, err = NewRelayBuilder().WithTransportInstance(&captureTransport{}).WithMailboxes(0).Build()
	assert.ErrorIs(t, err, ErrInvalidMailboxCount)

	s := WorkerSpec{Name: "echo", Topic: "echo", New: func() (Processor, error) { return echo(), nil }}
	_, err = NewRelayBuilder().WithTransportInstance(&captureTransport{}).WithWorker(s).WithWorker(s).Build()
	assert.ErrorIs(t, err, ErrDuplicateWorker)

	r, closeFn, err := New(func(b *RelayBuilder) { b.WithTransportInstance(&captureTransport{}).WithSyncObservers() })
	require.NoError(t, err)
	assert.Equal(t, "json", r.Codec().Name())
	require.NoError(t, closeFn())
}
