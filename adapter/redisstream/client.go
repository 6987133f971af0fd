package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xrelay"
)

// Client sends requests to the request stream and waits for correlated
// replies on its own reply stream.
type Client struct {
	t      *Transport
	codec  xrelay.Codec
	logger *xlog.Logger
	corr   *xrelay.Correlator

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewClient returns a client decoding replies with codec (JSON when nil).
func NewClient(t *Transport, codec xrelay.Codec, logger *xlog.Logger) *Client {
	if codec == nil {
		codec = xrelay.JSONCodec{}
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Client{
		t:      t,
		codec:  codec,
		logger: logger.With(xlog.Str("reply_stream", t.cfg.ReplyStream)),
		corr:   xrelay.NewCorrelator(),
		done:   make(chan struct{}),
	}
}

// Start launches the reply reader. It is called implicitly by Request.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		rctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		// an explicit start id, unlike "$", cannot miss replies published
		// before the first XREAD is in flight
		go c.readReplies(rctx, fmt.Sprintf("%d-0", c.t.clock.Now().UnixMilli()))
	})
}

// Request submits payload on topic and waits for the reply.
func (c *Client) Request(ctx context.Context, topic, origin string, payload *xrelay.Payload) (xrelay.Reply, error) {
	var reply xrelay.Reply
	c.Start(context.Background())
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.t.cfg.RequestTimeout)
		defer cancel()
	}

	id := xrelay.NewCorrelationID()
	env, err := xrelay.NewEnvelope(origin, payload, xrelay.WithReply(c.t.cfg.ReplyStream, id))
	if err != nil {
		return reply, err
	}
	vals, err := encodeRequest(topic, env)
	if err != nil {
		return reply, err
	}

	fut := c.corr.Expect(id)
	args := &redis.XAddArgs{Stream: c.t.cfg.RequestStream, ID: "*", Values: vals}
	if c.t.cfg.MaxLenApprox > 0 {
		args.MaxLen = c.t.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := c.t.client.XAdd(ctx, args).Err(); err != nil {
		c.corr.Forget(id)
		return reply, err
	}

	body, err := fut.Wait(ctx)
	if err != nil {
		c.corr.Forget(id)
		return reply, err
	}
	if err := c.codec.Unmarshal(body, &reply); err != nil {
		return reply, fmt.Errorf("redisstream: decode reply: %w", err)
	}
	return reply, nil
}

func (c *Client) readReplies(ctx context.Context, last string) {
	defer close(c.done)
	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := c.t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{c.t.cfg.ReplyStream, last},
			Count:   int64(_max(1, c.t.cfg.BatchSize)),
			Block:   c.t.cfg.Block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			c.logger.Warn().Err(err).Msg("xrelay/redisstream: reply read failed")
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
				backoff = _min(backoff*2, 5*time.Second)
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond
		for _, stream := range res {
			for _, msg := range stream.Messages {
				last = msg.ID
				id, body, ok := decodeReply(msg.Values)
				if !ok {
					continue
				}
				if !c.corr.Resolve(id, body) {
					c.logger.Debug().Str("correlation_id", id).Msg("xrelay/redisstream: orphaned reply")
				}
			}
		}
	}
}

// Close stops the reply reader and fails pending requests.
func (c *Client) Close() {
	started := false
	c.startOnce.Do(func() {})
	if c.cancel != nil {
		c.cancel()
		started = true
	}
	if started {
		<-c.done
	}
	c.corr.Close()
}
