package mqtt

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/trickstertwo/xrelay"
)

var (
	errMissingTopic = errors.New("mqtt: request frame missing topic")
	errMissingBody  = errors.New("mqtt: request frame missing payload and body")
	errMissingID    = errors.New("mqtt: reply frame missing correlation_id")
)

// requestFrame is the JSON document published on a request topic.
type requestFrame struct {
	ID            string            `json:"id,omitempty"`
	Topic         string            `json:"topic,omitempty"`
	Origin        string            `json:"origin,omitempty"`
	Payload       *xrelay.Payload   `json:"payload,omitempty"`
	Body          []byte            `json:"body,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	ProducedAt    int64             `json:"produced_at,omitempty"`
}

// replyFrame is the JSON document published on a reply topic. Body holds the
// codec-encoded Reply.
type replyFrame struct {
	CorrelationID string `json:"correlation_id"`
	Body          []byte `json:"body"`
	PublishedAt   int64  `json:"published_at"`
}

// EncodeRequest builds the request frame for env.
func EncodeRequest(topic string, env *xrelay.Envelope) ([]byte, error) {
	f := requestFrame{
		ID:            env.ID,
		Topic:         topic,
		Origin:        env.Origin,
		Payload:       env.Payload,
		ReplyTo:       env.Meta.ReplyTo,
		CorrelationID: env.Meta.CorrelationID,
		Headers:       env.Meta.Headers,
		ProducedAt:    env.ReceivedAt.UnixNano(),
	}
	if env.Payload == nil {
		f.Body = env.Body
	}
	return json.Marshal(f)
}

// decodeRequest parses a request frame. fallbackTopic, derived from the MQTT
// topic, is used when the frame does not name one.
func decodeRequest(data []byte, fallbackTopic, origin string) (string, *xrelay.Envelope, error) {
	var f requestFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, err
	}
	topic := f.Topic
	if topic == "" {
		topic = fallbackTopic
	}
	if topic == "" {
		return "", nil, errMissingTopic
	}
	if f.Origin == "" {
		f.Origin = origin
	}

	opts := []xrelay.EnvelopeOption{xrelay.WithMeta(xrelay.Meta{
		ReplyTo:       f.ReplyTo,
		CorrelationID: f.CorrelationID,
		Headers:       f.Headers,
	})}
	if f.ID != "" {
		opts = append(opts, xrelay.WithID(f.ID))
	}
	if f.ProducedAt > 0 {
		opts = append(opts, xrelay.WithReceivedAt(time.Unix(0, f.ProducedAt)))
	}

	var (
		env *xrelay.Envelope
		err error
	)
	switch {
	case f.Payload != nil:
		env, err = xrelay.NewEnvelope(f.Origin, f.Payload, opts...)
	case len(f.Body) > 0:
		env, err = xrelay.NewRawEnvelope(f.Origin, f.Body, opts...)
	default:
		return "", nil, errMissingBody
	}
	if err != nil {
		return "", nil, err
	}
	return topic, env, nil
}

func encodeReply(correlationID string, body []byte, at time.Time) ([]byte, error) {
	return json.Marshal(replyFrame{CorrelationID: correlationID, Body: body, PublishedAt: at.UnixNano()})
}

// DecodeReply extracts the correlation id and encoded Reply from a reply frame.
func DecodeReply(data []byte) (string, []byte, error) {
	var f replyFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, err
	}
	if f.CorrelationID == "" {
		return "", nil, errMissingID
	}
	return f.CorrelationID, f.Body, nil
}
