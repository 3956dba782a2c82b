// Package fanout delivers channel messages to subscribers spread across many
// worker processes.
//
// Each worker holds a share of the live client connections. A message
// published on any worker reaches every member of the channel: members
// connected to the publishing worker get a direct write, every other member
// gets exactly one entry on its own durable JetStream stream, read by the
// worker that holds its connection.
//
// # Quick Start
//
//	import "github.com/arloliu/fanout"
//
//	cfg := fanout.DefaultConfig()
//	engine, err := fanout.New(&cfg, natsConn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop(context.Background())
//
//	// when a client connects
//	err = engine.Connect(ctx, "room-1", "alice", conn)
//
//	// from any worker
//	res, err := engine.Publish(ctx, "bob", "room-1", `{"text":"hi"}`)
//
// # Key Features
//
//   - Local First: members on the publishing worker never touch the broker
//   - One Stream Per Subscriber: a broker entry has exactly one recipient
//   - Idempotent Settling: delivered entries are acked and deleted, so redelivery after a crash is bounded
//   - Listener Lifecycle: one listener per channel with local members, stopped with the last one
//   - Stale Eviction: a connection that rejects a write is dropped and its message forwarded
//
// # Architecture
//
// Per-channel listeners progress through:
//
//	Starting → Polling → Stopping → Stopped
//
// Cross-worker membership is kept in a JetStream KV roster whose entries
// expire when a worker stops refreshing them.
//
// # Configuration
//
// Config can be built in code or loaded from YAML with LoadConfig. Durations
// use Go syntax ("500ms", "30s"). See DefaultConfig for defaults and
// TestConfig for fast test settings.
package fanout
