package redisstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xrelay"
)

// Submitter is the part of a relay the ingress feeds.
type Submitter interface {
	Submit(topic string, env *xrelay.Envelope) error
}

// Ingress reads requests from the request stream through a consumer group and
// submits them to the relay. An entry is acknowledged once Submit accepted it;
// entries that can never be decoded go to the dead-letter stream, when one is
// configured, and are acknowledged.
type Ingress struct {
	t      *Transport
	sub    Submitter
	logger *xlog.Logger
}

// NewIngress binds the transport's request stream to sub.
func NewIngress(t *Transport, sub Submitter, logger *xlog.Logger) *Ingress {
	if logger == nil {
		logger = xlog.Default()
	}
	return &Ingress{
		t:   t,
		sub: sub,
		logger: logger.With(
			xlog.Str("stream", t.cfg.RequestStream),
			xlog.Str("group", t.cfg.Group),
		),
	}
}

// Run polls until ctx is cancelled. It also runs the pending-entry claim loop
// when ClaimMinIdle is set.
func (in *Ingress) Run(ctx context.Context) error {
	cfg := in.t.cfg
	if cfg.AutoCreate {
		if err := ensureGroup(ctx, in.t.client, cfg.RequestStream, cfg.Group); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	if cfg.ClaimMinIdle > 0 && cfg.ClaimInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.claimLoop(ctx)
		}()
	}
	in.logger.Info().Str("consumer", cfg.Consumer).Msg("xrelay/redisstream: ingress running")
	in.pollerLoop(ctx, ">")
	wg.Wait()
	return nil
}

// pollerLoop reads new entries (start ">") or this consumer's pending
// entries (start "0") and submits them.
func (in *Ingress) pollerLoop(ctx context.Context, start string) {
	t := in.t
	args := &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.RequestStream, start},
		Count:    int64(_max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				continue
			}
			t.metrics.consumeErrors.Add(1)
			in.logger.Warn().Err(err).Dur("backoff", backoff).Msg("xrelay/redisstream: read failed")
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
				backoff = _min(backoff*2, maxBackoff)
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, msg := range stream.Messages {
				t.metrics.consumed.Add(1)
				in.handle(ctx, msg)
			}
		}
		if start != ">" {
			// pending replay is a single pass
			return
		}
	}
}

func (in *Ingress) handle(ctx context.Context, msg redis.XMessage) {
	t := in.t
	topic, env, err := decodeRequest(msg.ID, msg.Values)
	if err != nil {
		in.logger.Warn().Err(err).Str("entry_id", msg.ID).Msg("xrelay/redisstream: undecodable request")
		in.deadLetter(ctx, msg, err)
		in.ack(ctx, msg.ID)
		return
	}
	if err := in.sub.Submit(topic, env); err != nil {
		if errors.Is(err, xrelay.ErrInvalidTopic) || errors.Is(err, xrelay.ErrNilEnvelope) {
			in.deadLetter(ctx, msg, err)
			in.ack(ctx, msg.ID)
			return
		}
		// left pending; the claim loop or a restart replays it
		t.metrics.consumeErrors.Add(1)
		in.logger.Warn().Err(err).Str("entry_id", msg.ID).Msg("xrelay/redisstream: submit failed")
		return
	}
	in.ack(ctx, msg.ID)
}

func (in *Ingress) ack(ctx context.Context, id string) {
	t := in.t
	if err := t.client.XAck(ctx, t.cfg.RequestStream, t.cfg.Group, id).Err(); err != nil {
		in.logger.Warn().Err(err).Str("entry_id", id).Msg("xrelay/redisstream: ack failed")
		return
	}
	t.metrics.acked.Add(1)
}

func (in *Ingress) deadLetter(ctx context.Context, msg redis.XMessage, reason error) {
	t := in.t
	dl := t.cfg.DeadLetter
	if dl == "" {
		return
	}
	values := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["orig_stream"] = t.cfg.RequestStream
	values["orig_id"] = msg.ID
	values["error"] = reason.Error()
	if err := t.client.XAdd(ctx, &redis.XAddArgs{Stream: dl, ID: "*", Values: values}).Err(); err != nil {
		in.logger.Warn().Err(err).Msg("xrelay/redisstream: dead-letter write failed")
		return
	}
	t.metrics.deadLettered.Add(1)
}

// claimLoop periodically claims entries left pending by dead consumers and
// replays this consumer's pending entries.
func (in *Ingress) claimLoop(ctx context.Context) {
	t := in.t
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(_max(1, t.cfg.ClaimBatch))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: t.cfg.RequestStream,
			Group:  t.cfg.Group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   t.cfg.ClaimMinIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		if _, err := t.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   t.cfg.RequestStream,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Messages: ids,
		}).Result(); err != nil {
			in.logger.Debug().Err(err).Msg("xrelay/redisstream: claim failed")
			continue
		}
		in.pollerLoop(ctx, "0")
	}
}
