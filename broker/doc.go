// Package broker implements types.Broker and types.Roster on NATS JetStream.
//
// All logical streams share one JetStream stream. A logical stream is a
// subject under the configured prefix, and a consumer group is a durable pull
// consumer filtered to that subject:
//
//	logical stream "room_bob"        -> subject "fanout.room_bob"
//	group "room" on "room_bob"       -> durable "room__room_bob"
//
// Names that are not valid NATS tokens are sanitized and suffixed with a hash
// so distinct names never collide.
//
// The roster lives in a KV bucket keyed "<channel>.<owner>", which lets
// Members list a channel with a single prefix watch.
package broker
