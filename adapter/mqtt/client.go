package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xrelay"
)

// Client publishes requests and waits for correlated replies on its own
// reply topic.
type Client struct {
	t          *Transport
	codec      xrelay.Codec
	logger     *xlog.Logger
	corr       *xrelay.Correlator
	replyTopic string
	timeout    time.Duration

	once   sync.Once
	subErr error
}

// NewClient returns a client listening on replyTopic and decoding replies
// with codec (JSON when nil).
func NewClient(t *Transport, replyTopic string, codec xrelay.Codec, logger *xlog.Logger) *Client {
	if codec == nil {
		codec = xrelay.JSONCodec{}
	}
	if logger == nil {
		logger = t.logger
	}
	if replyTopic == "" {
		replyTopic = "xrelay/replies/" + t.cfg.ClientID
	}
	return &Client{
		t:          t,
		codec:      codec,
		logger:     logger.With(xlog.Str("reply_topic", replyTopic)),
		corr:       xrelay.NewCorrelator(),
		replyTopic: replyTopic,
		timeout:    5 * time.Second,
	}
}

// ReplyTopic returns the topic replies are expected on.
func (c *Client) ReplyTopic() string { return c.replyTopic }

func (c *Client) subscribe() error {
	c.once.Do(func() {
		token := c.t.client.Subscribe(c.replyTopic, c.t.cfg.QoS, c.onReply)
		if !token.WaitTimeout(c.t.cfg.ConnectTimeout) {
			c.subErr = fmt.Errorf("mqtt: subscribe %s: timeout", c.replyTopic)
			return
		}
		c.subErr = token.Error()
	})
	return c.subErr
}

func (c *Client) onReply(_ paho.Client, msg paho.Message) {
	id, body, err := DecodeReply(msg.Payload())
	if err != nil {
		c.logger.Warn().Err(err).Msg("xrelay/mqtt: undecodable reply")
		return
	}
	if !c.corr.Resolve(id, body) {
		c.logger.Debug().Str("correlation_id", id).Msg("xrelay/mqtt: orphaned reply")
	}
}

// Request publishes payload for topic and waits for the reply.
func (c *Client) Request(ctx context.Context, topic, origin string, payload *xrelay.Payload) (xrelay.Reply, error) {
	var reply xrelay.Reply
	if err := c.subscribe(); err != nil {
		return reply, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := xrelay.NewCorrelationID()
	env, err := xrelay.NewEnvelope(origin, payload, xrelay.WithReply(c.replyTopic, id))
	if err != nil {
		return reply, err
	}
	frame, err := EncodeRequest(topic, env)
	if err != nil {
		return reply, err
	}

	fut := c.corr.Expect(id)
	if err := c.t.publish(ctx, c.t.cfg.RequestTopic(topic), frame); err != nil {
		c.corr.Forget(id)
		return reply, err
	}
	body, err := fut.Wait(ctx)
	if err != nil {
		c.corr.Forget(id)
		return reply, err
	}
	if err := c.codec.Unmarshal(body, &reply); err != nil {
		return reply, fmt.Errorf("mqtt: decode reply: %w", err)
	}
	return reply, nil
}

// Close unsubscribes and fails pending requests.
func (c *Client) Close() {
	if c.t.client.IsConnected() {
		c.t.client.Unsubscribe(c.replyTopic).WaitTimeout(c.t.cfg.PublishTimeout)
	}
	c.corr.Close()
}
