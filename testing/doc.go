// Package testing provides test utilities for the fanout engine.
//
// It follows Go's convention of shipping testing helpers in a dedicated
// package (similar to net/http/httptest).
//
// Key utilities:
//   - StartEmbeddedNATS: Single NATS server with JetStream
//   - MemoryBroker: In-process types.Broker with call counters and failure injection
//   - MemoryRoster: In-process types.Roster shared by several engines
//   - RecordingTransport: types.Transport that records sent messages
//
// Example usage:
//
//	import (
//	    "testing"
//	    fanouttest "github.com/arloliu/fanout/testing"
//	)
//
//	func TestPublish(t *testing.T) {
//	    b := fanouttest.NewMemoryBroker()
//	    engine, _ := fanout.New(&cfg, nil, fanout.WithBroker(b))
//	}
package testing
