// Package redisstream provides a Redis Streams adapter for xrelay.
//
// Transport name: "redis-streams"
//
// Requests are entries of the request stream, read through a consumer group by
// an Ingress and submitted to the relay. Replies are XADDed to the stream named
// by the request's reply_to field, carrying correlation_id and payload. A
// Client writes requests and reads its own reply stream.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - request_stream: request stream (default "xrelay:requests")
// - group: consumer group name (default "xrelay")
// - consumer: consumer name (default "xrelay-<host>-<pid>")
// - reply_stream: client reply stream (default "xrelay:replies:<consumer>")
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - dead_letter: stream receiving undecodable requests (optional)
//
// Example builder usage:
//
//	relay, _ := xrelay.NewRelayBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":  "localhost:6379",
//	        "group": "auth",
//	    }).
//	    WithWorker(spec).
//	    Build()
package redisstream
