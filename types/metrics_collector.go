package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	RouterMetrics
	BrokerMetrics
	ListenerMetrics
	RegistryMetrics
}

// RouterMetrics defines metrics for the publish and inbound delivery paths.
type RouterMetrics interface {
	// RecordPublish records the outcome of a publish call.
	//
	// Parameters:
	//   - outcome: "local" (all recipients reached locally), "forwarded",
	//     "deferred" (at least one forward queued for retry), "failed" (a forward
	//     was given up), "empty" (no recipients)
	RecordPublish(outcome string)

	// RecordLocalDelivery records a single attempt to write to a local transport.
	RecordLocalDelivery(success bool)

	// RecordInbound records the handling of a broker entry.
	//
	// Parameters:
	//   - result: "delivered", "skipped" (recipient not local or is the sender), "failed"
	RecordInbound(result string)

	// SetDeferredQueueDepth sets the number of forwards waiting for background retry.
	SetDeferredQueueDepth(depth int)

	// RecordDeferredDropped records a forward dropped because the deferred queue was full.
	RecordDeferredDropped()
}

// BrokerMetrics defines metrics for broker client operations.
type BrokerMetrics interface {
	// RecordBrokerOperation records the latency and result of a broker call.
	//
	// Parameters:
	//   - operation: "create_group", "destroy_group", "append", "poll", "ack", "delete"
	//   - success: false when the call returned an error
	//   - duration: Time taken in seconds
	RecordBrokerOperation(operation string, success bool, duration float64)

	// IncrementBrokerRetry records a retry of a broker operation.
	IncrementBrokerRetry(operation string)
}

// ListenerMetrics defines metrics for per-channel listeners.
type ListenerMetrics interface {
	// RecordListenerTransition records a listener state change.
	RecordListenerTransition(from, to ListenerState)

	// SetActiveListeners sets the number of running listeners (gauge metric).
	SetActiveListeners(count int)

	// IncrementPollError records a failed poll by reason ("transient", "group_missing", "panic").
	IncrementPollError(reason string)
}

// RegistryMetrics defines metrics for local connection bookkeeping.
type RegistryMetrics interface {
	// SetLocalConnections sets the number of registered local connections (gauge metric).
	SetLocalConnections(count int)

	// RecordEviction records removal of a stale member whose transport rejected a write.
	RecordEviction(path string)
}
