// Package mqtt provides an MQTT adapter for xrelay built on the Eclipse Paho
// client.
//
// Transport name: "mqtt"
//
// Replies are published to the topic named by the request's reply_to field as
// a JSON frame {correlation_id, body, published_at}; body is the codec-encoded
// Reply. An Ingress subscribes to <request_prefix>/# and submits request
// frames; a Client publishes requests and collects its replies.
//
// Config keys:
// - broker: broker URL (default "tcp://127.0.0.1:1883")
// - client_id: MQTT client id (default "xrelay-<host>-<pid>")
// - username, password: optional credentials
// - qos: 0, 1 or 2 (default 1)
// - request_prefix: request topic root (default "xrelay/requests")
// - connect_timeout, publish_timeout, keep_alive: durations
package mqtt
