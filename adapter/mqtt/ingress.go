package mqtt

import (
	"context"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xrelay"
)

// Submitter is the part of a relay the ingress feeds.
type Submitter interface {
	Submit(topic string, env *xrelay.Envelope) error
}

// Ingress subscribes to RequestPrefix/# and submits every decodable request
// frame to the relay. The relay topic is taken from the frame, or from the
// MQTT topic below the prefix with levels joined by dots.
type Ingress struct {
	t      *Transport
	sub    Submitter
	logger *xlog.Logger
}

// NewIngress binds the transport's request topics to sub.
func NewIngress(t *Transport, sub Submitter, logger *xlog.Logger) *Ingress {
	if logger == nil {
		logger = t.logger
	}
	return &Ingress{
		t:      t,
		sub:    sub,
		logger: logger.With(xlog.Str("filter", t.cfg.requestFilter())),
	}
}

// Run subscribes and blocks until ctx is cancelled, then unsubscribes.
func (in *Ingress) Run(ctx context.Context) error {
	filter := in.t.cfg.requestFilter()
	token := in.t.client.Subscribe(filter, in.t.cfg.QoS, in.onMessage)
	if !token.WaitTimeout(in.t.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt: subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", filter, err)
	}
	in.logger.Info().Msg("xrelay/mqtt: ingress running")

	<-ctx.Done()
	if in.t.client.IsConnected() {
		in.t.client.Unsubscribe(filter).WaitTimeout(in.t.cfg.PublishTimeout)
	}
	return nil
}

func (in *Ingress) onMessage(_ paho.Client, msg paho.Message) {
	fallback, _ := in.t.cfg.relayTopic(msg.Topic())
	topic, env, err := decodeRequest(msg.Payload(), fallback, "mqtt:"+msg.Topic())
	if err != nil {
		in.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("xrelay/mqtt: undecodable request")
		return
	}
	if err := in.sub.Submit(topic, env); err != nil {
		in.logger.Warn().Err(err).Str("topic", topic).Str("envelope_id", env.ID).Msg("xrelay/mqtt: submit failed")
	}
}
