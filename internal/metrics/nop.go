// Package metrics provides types.MetricsCollector implementations.
package metrics

import "github.com/arloliu/fanout/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Example:
//
//	engine, err := fanout.New(&cfg, nc, fanout.WithMetrics(metrics.NewNop()))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RouterMetrics implementation

// RecordPublish discards the publish outcome.
func (n *NopMetrics) RecordPublish(_ /* outcome */ string) {}

// RecordLocalDelivery discards the local delivery result.
func (n *NopMetrics) RecordLocalDelivery(_ /* success */ bool) {}

// RecordInbound discards the inbound result.
func (n *NopMetrics) RecordInbound(_ /* result */ string) {}

// SetDeferredQueueDepth discards the queue depth.
func (n *NopMetrics) SetDeferredQueueDepth(_ /* depth */ int) {}

// RecordDeferredDropped discards the drop event.
func (n *NopMetrics) RecordDeferredDropped() {}

// BrokerMetrics implementation

// RecordBrokerOperation discards the broker operation metric.
func (n *NopMetrics) RecordBrokerOperation(_ /* operation */ string, _ /* success */ bool, _ /* duration */ float64) {
}

// IncrementBrokerRetry discards the retry event.
func (n *NopMetrics) IncrementBrokerRetry(_ /* operation */ string) {}

// ListenerMetrics implementation

// RecordListenerTransition discards the transition.
func (n *NopMetrics) RecordListenerTransition(_ /* from */, _ /* to */ types.ListenerState) {}

// SetActiveListeners discards the listener count.
func (n *NopMetrics) SetActiveListeners(_ /* count */ int) {}

// IncrementPollError discards the poll error.
func (n *NopMetrics) IncrementPollError(_ /* reason */ string) {}

// RegistryMetrics implementation

// SetLocalConnections discards the connection count.
func (n *NopMetrics) SetLocalConnections(_ /* count */ int) {}

// RecordEviction discards the eviction event.
func (n *NopMetrics) RecordEviction(_ /* path */ string) {}
