package redisstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trickstertwo/xrelay"
)

var (
	errMissingTopic = errors.New("redisstream: entry has no topic")
	errMissingBody  = errors.New("redisstream: entry has no payload")
)

// encodeRequest flattens env into stream entry values.
func encodeRequest(topic string, env *xrelay.Envelope) (map[string]any, error) {
	vals := make(map[string]any, 8+len(env.Meta.Headers))
	vals[fieldID] = env.ID
	vals[fieldTopic] = topic
	vals[fieldOrigin] = env.Origin
	vals[fieldProducedAt] = env.ReceivedAt.UnixNano()
	if env.Payload.Len() > 0 {
		b, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, err
		}
		vals[fieldKind] = kindPayload
		vals[fieldPayload] = b
	} else {
		vals[fieldKind] = kindRaw
		vals[fieldPayload] = env.Body
	}
	if env.Meta.ReplyTo != "" {
		vals[fieldReplyTo] = env.Meta.ReplyTo
		vals[fieldCorrelationID] = env.Meta.CorrelationID
	}
	for k, v := range env.Meta.Headers {
		vals[fieldMetaPrefix+k] = v
	}
	return vals, nil
}

// decodeRequest rebuilds the envelope carried by a stream entry. The stream
// entry id is used as origin fallback.
func decodeRequest(entryID string, vals map[string]any) (string, *xrelay.Envelope, error) {
	topic := asString(vals[fieldTopic])
	if topic == "" {
		return "", nil, errMissingTopic
	}
	body := asBytes(vals[fieldPayload])
	if len(body) == 0 {
		return "", nil, errMissingBody
	}

	meta := xrelay.Meta{
		ReplyTo:       asString(vals[fieldReplyTo]),
		CorrelationID: asString(vals[fieldCorrelationID]),
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			if meta.Headers == nil {
				meta.Headers = make(map[string]string, 4)
			}
			meta.Headers[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}

	origin := asString(vals[fieldOrigin])
	if origin == "" {
		origin = "redis:" + entryID
	}
	opts := []xrelay.EnvelopeOption{xrelay.WithMeta(meta)}
	if id := asString(vals[fieldID]); id != "" {
		opts = append(opts, xrelay.WithID(id))
	}
	if ns, ok := toInt64(vals[fieldProducedAt]); ok && ns > 0 {
		opts = append(opts, xrelay.WithReceivedAt(time.Unix(0, ns)))
	}

	var (
		env *xrelay.Envelope
		err error
	)
	if asString(vals[fieldKind]) == kindPayload {
		p := xrelay.NewPayload()
		if uerr := json.Unmarshal(body, p); uerr != nil {
			return "", nil, fmt.Errorf("redisstream: decode payload: %w", uerr)
		}
		env, err = xrelay.NewEnvelope(origin, p, opts...)
	} else {
		env, err = xrelay.NewRawEnvelope(origin, body, opts...)
	}
	if err != nil {
		return "", nil, err
	}
	return topic, env, nil
}

// encodeReply builds the values of a reply entry.
func encodeReply(correlationID string, body []byte, at time.Time) map[string]any {
	return map[string]any{
		fieldCorrelationID: correlationID,
		fieldPayload:       body,
		fieldProducedAt:    at.UnixNano(),
	}
}

// decodeReply extracts the correlation id and body of a reply entry.
func decodeReply(vals map[string]any) (string, []byte, bool) {
	id := asString(vals[fieldCorrelationID])
	if id == "" {
		return "", nil, false
	}
	return id, asBytes(vals[fieldPayload]), true
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asBytes(v any) []byte {
	switch p := v.(type) {
	case []byte:
		return p
	case string:
		return []byte(p)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
