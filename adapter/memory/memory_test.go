package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xrelay"
)

func greetSpec() xrelay.WorkerSpec {
	return xrelay.WorkerSpec{
		Name:     "greet",
		Topic:    "greet",
		Required: []string{"name"},
		New: func() (xrelay.Processor, error) {
			return xrelay.ProcessorFunc(func(ctx context.Context, env *xrelay.Envelope) (any, error) {
				name, _ := env.Field("name")
				if name == "nobody" {
					return nil, xrelay.Invalid("name", "unknown")
				}
				return "hello " + name, nil
			}), nil
		},
	}
}

func TestConfig_MapRoundTrip(t *testing.T) {
	cfg := Config{DropUnknown: true, Codec: "msgpack", RequestTimeout: 3 * time.Second}
	assert.Equal(t, cfg, ConfigFromMap(cfg.toMap()))

	assert.Equal(t, Config{Codec: "json", RequestTimeout: 5 * time.Second}, ConfigFromMap(nil))
	assert.Equal(t, 250*time.Millisecond, ConfigFromMap(map[string]any{"request_timeout": "250ms"}).RequestTimeout)
}

func TestUse_RequestReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, tr := Use(Config{}, WithWorker(greetSpec()), WithMailboxes(2))
	defer func() { _ = relay.Close(context.Background()) }()
	go func() { _ = relay.Run(ctx) }()

	reply, err := tr.Request(ctx, relay, "client-1", "greet", "test", xrelay.NewPayload("name", "ada"))
	require.NoError(t, err)
	assert.Equal(t, xrelay.StatusOK, reply.Status)
	assert.Equal(t, "hello ada", reply.Result)

	reply, err = tr.Request(ctx, relay, "client-1", "greet", "test", xrelay.NewPayload("name", "nobody"))
	require.NoError(t, err)
	require.Equal(t, xrelay.StatusError, reply.Status)
	assert.Equal(t, xrelay.CategoryValidation, reply.Error.Category)

	reply, err = tr.Request(ctx, relay, "client-2", "greet", "test", xrelay.NewPayload("other", "x"))
	require.NoError(t, err)
	assert.Equal(t, "name", reply.Error.Field)

	assert.Equal(t, uint64(3), tr.Stats().Published)
}

func TestUse_Msgpack(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, tr := Use(Config{Codec: "msgpack"}, WithWorker(greetSpec()))
	defer func() { _ = relay.Close(context.Background()) }()
	go func() { _ = relay.Run(ctx) }()

	assert.Equal(t, "msgpack", relay.Codec().Name())
	reply, err := tr.Request(ctx, relay, "client-1", "greet", "test", xrelay.NewPayload("name", "grace"))
	require.NoError(t, err)
	assert.Equal(t, "hello grace", reply.Result)
}

func TestTransport_UnknownAddress(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport(Config{})
	ch, err := tr.OpenChannel(ctx)
	require.NoError(t, err)
	defer ch.Close()

	err = ch.Publish(ctx, "nobody", "c1", []byte("{}"))
	assert.True(t, errors.Is(err, ErrUnknownAddress))

	dropping := NewTransport(Config{DropUnknown: true})
	dch, _ := dropping.OpenChannel(ctx)
	require.NoError(t, dch.Publish(ctx, "nobody", "c1", []byte("{}")))
	assert.Equal(t, uint64(1), dropping.Stats().Dropped)
}

func TestTransport_OrphanedAndClose(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport(Config{})
	corr := tr.Listen("client-1")
	fut := corr.Expect("pending")

	ch, _ := tr.OpenChannel(ctx)
	require.NoError(t, ch.Publish(ctx, "client-1", "late", []byte("{}")))
	assert.Equal(t, uint64(1), tr.Stats().Orphaned)

	require.NoError(t, tr.Close(ctx))
	_, err := fut.Wait(ctx)
	assert.ErrorIs(t, err, xrelay.ErrCorrelatorClosed)

	_, err = tr.OpenChannel(ctx)
	assert.ErrorIs(t, err, xrelay.ErrTransportClosed)
	_, err = tr.Request(ctx, nil, "client-1", "greet", "test", xrelay.NewPayload("name", "x"))
	assert.ErrorIs(t, err, xrelay.ErrTransportClosed)
}

func TestRegisteredFactory(t *testing.T) {
	assert.Contains(t, xrelay.Transports(), TransportName)
	tr, err := xrelay.NewTransport(TransportName, map[string]any{"codec": "msgpack"})
	require.NoError(t, err)
	assert.Equal(t, "msgpack", tr.(*Transport).cfg.Codec)
}
