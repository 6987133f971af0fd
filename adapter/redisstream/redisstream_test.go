package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xrelay"
)

// testConfig returns a config pointing at XRELAY_REDIS_ADDR, skipping the
// test when it is not set or Redis is unreachable.
func testConfig(t *testing.T) Config {
	addr := os.Getenv("XRELAY_REDIS_ADDR")
	if addr == "" {
		t.Skip("XRELAY_REDIS_ADDR not set")
	}
	cfg := Defaults()
	cfg.Addr = addr
	cfg.Password = os.Getenv("XRELAY_REDIS_PASSWORD")
	cfg.Block = 200 * time.Millisecond
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	cfg.RequestStream = "xrelay-test:requests:" + suffix
	cfg.ReplyStream = "xrelay-test:replies:" + suffix
	cfg.Group = "xrelay-test-" + suffix

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
	defer client.Close()
	if err := ping(context.Background(), client); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return cfg
}

// cleanupStreams removes the test streams and consumer group.
func cleanupStreams(t *testing.T, tr *Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := tr.Client()
	_ = c.XGroupDestroy(ctx, tr.cfg.RequestStream, tr.cfg.Group).Err()
	_ = c.Del(ctx, tr.cfg.RequestStream, tr.cfg.ReplyStream).Err()
}

func TestConfig_DefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "xrelay:requests", cfg.RequestStream)
	assert.Contains(t, cfg.ReplyStream, cfg.Consumer)

	bad := cfg
	bad.BatchSize = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ClaimMinIdle = time.Second
	bad.ClaimInterval = 0
	assert.Error(t, bad.Validate())
}

func TestConfig_MapRoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.Addr = "redis:6380"
	cfg.Group = "auth"
	cfg.Block = 750 * time.Millisecond
	cfg.MaxLenApprox = 10000
	cfg.DeadLetter = "auth-dlq"

	got := ConfigFromMap(cfg.toMap())
	assert.Equal(t, cfg, got)
}

func TestConfigFromMap_StringDurations(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"block":          "250ms",
		"batch_size":     float64(32),
		"claim_min_idle": "1m",
	})
	assert.Equal(t, 250*time.Millisecond, cfg.Block)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, time.Minute, cfg.ClaimMinIdle)
	assert.Equal(t, "127.0.0.1:6379", cfg.Addr)
}

func TestRequestCodec_PayloadRoundTrip(t *testing.T) {
	p := xrelay.NewPayload("username", "ada", "password", "secret")
	env, err := xrelay.NewEnvelope("cli", p,
		xrelay.WithMeta(xrelay.Meta{ReplyTo: "replies", CorrelationID: "c-1", Headers: map[string]string{"trace": "t1"}}))
	require.NoError(t, err)

	vals, err := encodeRequest("auth.login", env)
	require.NoError(t, err)

	// Redis hands values back as strings.
	wire := make(map[string]any, len(vals))
	for k, v := range vals {
		switch x := v.(type) {
		case []byte:
			wire[k] = string(x)
		default:
			wire[k] = fmt.Sprintf("%v", x)
		}
	}

	topic, got, err := decodeRequest("1-0", wire)
	require.NoError(t, err)
	assert.Equal(t, "auth.login", topic)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "cli", got.Origin)
	assert.Equal(t, []string{"username", "password"}, got.Payload.Keys())
	assert.Equal(t, "replies", got.Meta.ReplyTo)
	assert.Equal(t, "c-1", got.Meta.CorrelationID)
	assert.Equal(t, "t1", got.Meta.Headers["trace"])
	assert.Equal(t, env.ReceivedAt.UnixNano(), got.ReceivedAt.UnixNano())
	assert.False(t, got.Collected())
}

func TestRequestCodec_RawBody(t *testing.T) {
	topic, env, err := decodeRequest("7-1", map[string]any{
		fieldTopic:   "files.uploaded",
		fieldKind:    kindRaw,
		fieldPayload: `{"path":"/a"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "files.uploaded", topic)
	assert.Equal(t, "redis:7-1", env.Origin)
	assert.Equal(t, []byte(`{"path":"/a"}`), env.Body)
	assert.Nil(t, env.Payload)
}

func TestRequestCodec_Rejects(t *testing.T) {
	_, _, err := decodeRequest("1-0", map[string]any{fieldPayload: "x"})
	assert.ErrorIs(t, err, errMissingTopic)

	_, _, err = decodeRequest("1-0", map[string]any{fieldTopic: "t"})
	assert.ErrorIs(t, err, errMissingBody)

	_, _, err = decodeRequest("1-0", map[string]any{fieldTopic: "t", fieldKind: kindPayload, fieldPayload: "[1]"})
	assert.Error(t, err)
}

func TestReplyCodec(t *testing.T) {
	vals := encodeReply("c-9", []byte(`{"status":"ok"}`), time.Unix(0, 42))
	id, body, ok := decodeReply(map[string]any{
		fieldCorrelationID: vals[fieldCorrelationID],
		fieldPayload:       string(vals[fieldPayload].([]byte)),
	})
	require.True(t, ok)
	assert.Equal(t, "c-9", id)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	_, _, ok = decodeReply(map[string]any{fieldPayload: "x"})
	assert.False(t, ok)
}

func TestToInt64(t *testing.T) {
	n, ok := toInt64("123")
	assert.True(t, ok)
	assert.Equal(t, int64(123), n)
	n, ok = toInt64([]byte("1e3"))
	assert.True(t, ok)
	assert.Equal(t, int64(1000), n)
	_, ok = toInt64("")
	assert.False(t, ok)
}

func TestTransport_PublishReply(t *testing.T) {
	cfg := testConfig(t)
	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())
	defer cleanupStreams(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := xrelay.NewResponder(tr)
	ok := r.Reply(ctx, xrelay.Meta{ReplyTo: cfg.ReplyStream, CorrelationID: "c-1"}, xrelay.OK("done"))
	require.True(t, ok)

	msgs, err := tr.Client().XRange(ctx, cfg.ReplyStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	id, body, ok := decodeReply(msgs[0].Values)
	require.True(t, ok)
	assert.Equal(t, "c-1", id)

	var reply xrelay.Reply
	require.NoError(t, json.Unmarshal(body, &reply))
	assert.Equal(t, xrelay.StatusOK, reply.Status)
	assert.Equal(t, uint64(1), tr.Stats().Published)
	assert.NoError(t, tr.Ping(ctx))
}

func TestRoundTrip_ClientIngressRelay(t *testing.T) {
	cfg := testConfig(t)

	relay, ingress := Use(cfg,
		WithMailboxes(2),
		WithWorker(xrelay.WorkerSpec{
			Name:     "echo",
			Topic:    "echo",
			Required: []string{"msg"},
			New: func() (xrelay.Processor, error) {
				return xrelay.ProcessorFunc(func(ctx context.Context, env *xrelay.Envelope) (any, error) {
					v, _ := env.Field("msg")
					return v, nil
				}), nil
			},
		}),
	)
	tr := ingress.t
	defer cleanupStreams(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() { _ = relay.Run(ctx) }()
	go func() { _ = ingress.Run(ctx) }()
	defer relay.Close(context.Background())

	client := NewClient(tr, nil, nil)
	defer client.Close()

	reply, err := client.Request(ctx, "echo", "test", xrelay.NewPayload("msg", "hello"))
	require.NoError(t, err)
	assert.Equal(t, xrelay.StatusOK, reply.Status)
	assert.Equal(t, "hello", reply.Result)

	reply, err = client.Request(ctx, "echo", "test", xrelay.NewPayload("other", "x"))
	require.NoError(t, err)
	assert.Equal(t, xrelay.StatusError, reply.Status)
	require.NotNil(t, reply.Error)
	assert.Equal(t, xrelay.CategoryValidation, reply.Error.Category)
	assert.Equal(t, "msg", reply.Error.Field)
}
