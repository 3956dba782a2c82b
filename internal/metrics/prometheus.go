package metrics

import (
	"sync"

	"github.com/arloliu/fanout/types"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use, so constructing
// one that is never exercised leaves the registry untouched.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	publishTotal       *prometheus.CounterVec
	localDeliveryTotal *prometheus.CounterVec
	inboundTotal       *prometheus.CounterVec
	deferredDepth      prometheus.Gauge
	deferredDropped    prometheus.Counter

	brokerOps      *prometheus.CounterVec
	brokerLatency  *prometheus.HistogramVec
	brokerRetries  *prometheus.CounterVec
	listenerStates *prometheus.CounterVec
	listenersGauge prometheus.Gauge
	pollErrors     *prometheus.CounterVec

	connectionsGauge prometheus.Gauge
	evictions        *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "fanout" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "fanout"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "publish_total",
			Help:      "Publish calls by outcome (local, forwarded, deferred, failed, empty).",
		}, []string{"outcome"})

		p.localDeliveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "local_deliveries_total",
			Help:      "Writes to local transports by result (success, failure).",
		}, []string{"result"})

		p.inboundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "inbound_entries_total",
			Help:      "Broker entries handled by result (delivered, skipped, failed).",
		}, []string{"result"})

		p.deferredDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "deferred_queue_depth",
			Help:      "Forwards waiting for background retry.",
		})

		p.deferredDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "deferred_dropped_total",
			Help:      "Forwards dropped because the deferred queue was full.",
		})

		p.brokerOps = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "broker",
			Name:      "operations_total",
			Help:      "Broker calls by operation and result.",
		}, []string{"op", "result"})

		p.brokerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "broker",
			Name:      "operation_duration_seconds",
			Help:      "Latency of broker calls in seconds by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"op"})

		p.brokerRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "broker",
			Name:      "retries_total",
			Help:      "Broker call retries by operation.",
		}, []string{"op"})

		p.listenerStates = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "listener",
			Name:      "transitions_total",
			Help:      "Listener state transitions.",
		}, []string{"from", "to"})

		p.listenersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "listener",
			Name:      "active",
			Help:      "Running per-channel listeners.",
		})

		p.pollErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "listener",
			Name:      "poll_errors_total",
			Help:      "Failed polls by reason (transient, group_missing, panic).",
		}, []string{"reason"})

		p.connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Registered local connections.",
		})

		p.evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Stale members evicted after a failed local write, by path (publish, inbound).",
		}, []string{"path"})

		p.reg.MustRegister(
			p.publishTotal,
			p.localDeliveryTotal,
			p.inboundTotal,
			p.deferredDepth,
			p.deferredDropped,
			p.brokerOps,
			p.brokerLatency,
			p.brokerRetries,
			p.listenerStates,
			p.listenersGauge,
			p.pollErrors,
			p.connectionsGauge,
			p.evictions,
		)
	})
}

// RecordPublish increments the publish counter for outcome.
func (p *PrometheusCollector) RecordPublish(outcome string) {
	p.ensureRegistered()
	p.publishTotal.WithLabelValues(outcome).Inc()
}

// RecordLocalDelivery increments the local delivery counter.
func (p *PrometheusCollector) RecordLocalDelivery(success bool) {
	p.ensureRegistered()
	p.localDeliveryTotal.WithLabelValues(resultLabel(success)).Inc()
}

// RecordInbound increments the inbound counter for result.
func (p *PrometheusCollector) RecordInbound(result string) {
	p.ensureRegistered()
	p.inboundTotal.WithLabelValues(result).Inc()
}

// SetDeferredQueueDepth sets the deferred queue gauge.
func (p *PrometheusCollector) SetDeferredQueueDepth(depth int) {
	p.ensureRegistered()
	p.deferredDepth.Set(float64(depth))
}

// RecordDeferredDropped increments the dropped forward counter.
func (p *PrometheusCollector) RecordDeferredDropped() {
	p.ensureRegistered()
	p.deferredDropped.Inc()
}

// RecordBrokerOperation counts the call and observes its latency.
func (p *PrometheusCollector) RecordBrokerOperation(operation string, success bool, duration float64) {
	p.ensureRegistered()
	p.brokerOps.WithLabelValues(operation, resultLabel(success)).Inc()
	p.brokerLatency.WithLabelValues(operation).Observe(duration)
}

// IncrementBrokerRetry increments the retry counter for operation.
func (p *PrometheusCollector) IncrementBrokerRetry(operation string) {
	p.ensureRegistered()
	p.brokerRetries.WithLabelValues(operation).Inc()
}

// RecordListenerTransition counts a listener transition.
func (p *PrometheusCollector) RecordListenerTransition(from, to types.ListenerState) {
	p.ensureRegistered()
	p.listenerStates.WithLabelValues(from.String(), to.String()).Inc()
}

// SetActiveListeners sets the active listener gauge.
func (p *PrometheusCollector) SetActiveListeners(count int) {
	p.ensureRegistered()
	p.listenersGauge.Set(float64(count))
}

// IncrementPollError increments the poll error counter.
func (p *PrometheusCollector) IncrementPollError(reason string) {
	p.ensureRegistered()
	p.pollErrors.WithLabelValues(reason).Inc()
}

// SetLocalConnections sets the connection gauge.
func (p *PrometheusCollector) SetLocalConnections(count int) {
	p.ensureRegistered()
	p.connectionsGauge.Set(float64(count))
}

// RecordEviction increments the eviction counter.
func (p *PrometheusCollector) RecordEviction(path string) {
	p.ensureRegistered()
	p.evictions.WithLabelValues(path).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}

	return "failure"
}
