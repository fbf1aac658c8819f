package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the synchronization engine
type Metrics struct {
	registry prometheus.Gatherer

	// Event lifecycle metrics
	EventsReceivedTotal  prometheus.CounterVec
	EventsSyncedTotal    prometheus.CounterVec
	EventsFailedTotal    prometheus.CounterVec
	EventsRejectedTotal  prometheus.CounterVec
	SyncLatency          prometheus.HistogramVec
	PendingEvents        prometheus.Gauge
	SynchronizedQueueLen prometheus.Gauge

	// Causality and conflict metrics
	CausalityViolationsTotal prometheus.CounterVec
	ConflictsDetectedTotal   prometheus.CounterVec
	ConflictsResolvedTotal   prometheus.CounterVec
	ConflictResolutionErrors prometheus.Counter
	DependencyGraphNodes     prometheus.Gauge
	OrderingBuffered         prometheus.Gauge

	// Quorum metrics
	QuorumRequestsTotal  prometheus.CounterVec
	QuorumRequestLatency prometheus.Histogram

	// Batch and adaptation metrics
	BatchesSentTotal  prometheus.CounterVec
	BatchSizeEvents   prometheus.Histogram
	BatchPayloadBytes prometheus.Histogram
	BatchSendDuration prometheus.Histogram
	CurrentBatchSize  prometheus.Gauge
	AdaptationsTotal  prometheus.CounterVec
	NetworkEfficiency prometheus.Gauge

	// Gossip metrics
	GossipMembersTotal  prometheus.Gauge
	GossipMessagesTotal prometheus.CounterVec

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg. A nil reg gets a
// private registry so several engines can live in one process.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		registry: gatherer,

		EventsReceivedTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "sync",
			Name:        "events_received_total",
			Help:        "Total number of events submitted for synchronization",
			ConstLabels: labels,
		}, []string{"protocol"}),
		EventsSyncedTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "sync",
			Name:        "events_synchronized_total",
			Help:        "Total number of events appended to the synchronized queue",
			ConstLabels: labels,
		}, []string{"protocol"}),
		EventsFailedTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "sync",
			Name:        "events_failed_total",
			Help:        "Total number of events whose synchronization failed",
			ConstLabels: labels,
		}, []string{"reason"}),
		EventsRejectedTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "sync",
			Name:        "events_rejected_total",
			Help:        "Total number of events rejected at admission",
			ConstLabels: labels,
		}, []string{"code"}),
		SyncLatency: *factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "vexfs",
			Subsystem:   "sync",
			Name:        "sync_latency_seconds",
			Help:        "Histogram of admission to synchronization latency",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"protocol"}),
		PendingEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vexfs",
			Subsystem:   "sync",
			Name:        "pending_events",
			Help:        "Number of events held in the pending table",
			ConstLabels: labels,
		}),
		SynchronizedQueueLen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vexfs",
			Subsystem:   "sync",
			Name:        "synchronized_queue_length",
			Help:        "Number of synchronized events not yet drained",
			ConstLabels: labels,
		}),

		CausalityViolationsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "causality",
			Name:        "violations_total",
			Help:        "Total number of causality violations by type",
			ConstLabels: labels,
		}, []string{"type"}),
		ConflictsDetectedTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "conflict",
			Name:        "detected_total",
			Help:        "Total number of conflicts detected by type",
			ConstLabels: labels,
		}, []string{"type"}),
		ConflictsResolvedTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "conflict",
			Name:        "resolved_total",
			Help:        "Total number of conflicts resolved by strategy",
			ConstLabels: labels,
		}, []string{"strategy"}),
		ConflictResolutionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "conflict",
			Name:        "resolution_errors_total",
			Help:        "Total number of conflicts that could not be resolved",
			ConstLabels: labels,
		}),
		DependencyGraphNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vexfs",
			Subsystem:   "causality",
			Name:        "graph_nodes",
			Help:        "Number of nodes in the dependency graph",
			ConstLabels: labels,
		}),
		OrderingBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vexfs",
			Subsystem:   "ordering",
			Name:        "buffered_events",
			Help:        "Number of out-of-order events waiting for a gap to close",
			ConstLabels: labels,
		}),

		QuorumRequestsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "quorum",
			Name:        "requests_total",
			Help:        "Total number of quorum rounds by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		QuorumRequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "vexfs",
			Subsystem:   "quorum",
			Name:        "request_duration_seconds",
			Help:        "Histogram of quorum round durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		BatchesSentTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "batch",
			Name:        "sent_total",
			Help:        "Total number of batch sends by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		BatchSizeEvents: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "vexfs",
			Subsystem:   "batch",
			Name:        "size_events",
			Help:        "Histogram of events per batch",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 11), // 1 to 1024
		}),
		BatchPayloadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "vexfs",
			Subsystem:   "batch",
			Name:        "payload_bytes",
			Help:        "Histogram of compressed batch payload sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 2, 12), // 256B to 512KB
		}),
		BatchSendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "vexfs",
			Subsystem:   "batch",
			Name:        "send_duration_seconds",
			Help:        "Histogram of batch send durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		CurrentBatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vexfs",
			Subsystem:   "batch",
			Name:        "target_size",
			Help:        "Current target batch size",
			ConstLabels: labels,
		}),
		AdaptationsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "adaptive",
			Name:        "decisions_total",
			Help:        "Total number of adaptation decisions by rule",
			ConstLabels: labels,
		}, []string{"rule"}),
		NetworkEfficiency: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vexfs",
			Subsystem:   "batch",
			Name:        "network_efficiency_ratio",
			Help:        "Fraction of encoded bytes saved by compression",
			ConstLabels: labels,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vexfs",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of cluster members",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vexfs",
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Total number of gossip messages by type",
			ConstLabels: labels,
		}, []string{"type"}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vexfs",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap memory in use",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vexfs",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// Gatherer returns the registry the metrics were registered on, if it can be gathered
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RecordReceived counts an admitted event
func (m *Metrics) RecordReceived(protocol string) {
	m.EventsReceivedTotal.WithLabelValues(protocol).Inc()
}

// RecordSynchronized records a synchronized event and its latency
func (m *Metrics) RecordSynchronized(protocol string, seconds float64) {
	m.EventsSyncedTotal.WithLabelValues(protocol).Inc()
	m.SyncLatency.WithLabelValues(protocol).Observe(seconds)
}

// RecordFailed counts a failed synchronization
func (m *Metrics) RecordFailed(reason string) {
	m.EventsFailedTotal.WithLabelValues(reason).Inc()
}

// RecordRejected counts an event refused at admission
func (m *Metrics) RecordRejected(code string) {
	m.EventsRejectedTotal.WithLabelValues(code).Inc()
}

// RecordCausalityViolation counts a causality violation
func (m *Metrics) RecordCausalityViolation(kind string) {
	m.CausalityViolationsTotal.WithLabelValues(kind).Inc()
}

// RecordConflict counts a detected conflict
func (m *Metrics) RecordConflict(kind string) {
	m.ConflictsDetectedTotal.WithLabelValues(kind).Inc()
}

// RecordResolution counts a resolution outcome
func (m *Metrics) RecordResolution(strategy string, err error) {
	if err != nil {
		m.ConflictResolutionErrors.Inc()
		return
	}
	m.ConflictsResolvedTotal.WithLabelValues(strategy).Inc()
}

// RecordQuorum records a quorum round
func (m *Metrics) RecordQuorum(outcome string, seconds float64) {
	m.QuorumRequestsTotal.WithLabelValues(outcome).Inc()
	m.QuorumRequestLatency.Observe(seconds)
}

// RecordBatchSend records a batch send attempt
func (m *Metrics) RecordBatchSend(events, payloadBytes int, seconds float64, err error) {
	if err != nil {
		m.BatchesSentTotal.WithLabelValues("error").Inc()
		return
	}
	m.BatchesSentTotal.WithLabelValues("ok").Inc()
	m.BatchSizeEvents.Observe(float64(events))
	m.BatchPayloadBytes.Observe(float64(payloadBytes))
	m.BatchSendDuration.Observe(seconds)
}

// RecordAdaptation counts an applied adaptation rule
func (m *Metrics) RecordAdaptation(rule string, batchSize int) {
	m.AdaptationsTotal.WithLabelValues(rule).Inc()
	m.CurrentBatchSize.Set(float64(batchSize))
}

// UpdateQueues sets the queue gauges
func (m *Metrics) UpdateQueues(pending, synchronized, graphNodes, buffered int) {
	m.PendingEvents.Set(float64(pending))
	m.SynchronizedQueueLen.Set(float64(synchronized))
	m.DependencyGraphNodes.Set(float64(graphNodes))
	m.OrderingBuffered.Set(float64(buffered))
}

// UpdateGossipStats updates gossip membership
func (m *Metrics) UpdateGossipStats(totalMembers int) {
	m.GossipMembersTotal.Set(float64(totalMembers))
}

// RecordGossipMessage counts a gossip message
func (m *Metrics) RecordGossipMessage(messageType string) {
	m.GossipMessagesTotal.WithLabelValues(messageType).Inc()
}

// UpdateSystemStats updates process metrics
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int, efficiency float64) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
	m.NetworkEfficiency.Set(efficiency)
}
