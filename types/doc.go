// Package types provides core type definitions and interfaces for the fanout engine.
//
// This package contains shared types that are used across multiple packages.
// Keeping them separate avoids import cycles between the root fanout package
// and its internal implementations.
//
// Key types:
//   - Broker: Stream/consumer-group adapter used for cross-worker delivery
//   - Roster: Cluster-wide channel membership
//   - Transport: Send side of a client connection
//   - ListenerState: Per-channel listener lifecycle state
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
