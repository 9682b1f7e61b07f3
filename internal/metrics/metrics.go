// Package metrics provides Prometheus metrics for watchalert.
// It tracks signal ingestion, event lifecycle transitions and notification
// delivery so operators can see where alerts spend their time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "watchalert"
)

// Signal metrics track the ingestion pipeline.
var (
	// SignalsReceivedTotal counts signals received by the API.
	SignalsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_received_total",
			Help:      "Total number of breach/clear signals received by the ingest API",
		},
		[]string{"rule_id", "breached"},
	)

	// SignalsPublishedTotal counts signals successfully published to the queue.
	SignalsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_published_total",
			Help:      "Total number of signals published to the message queue",
		},
		[]string{"rule_id"},
	)

	// SignalsProcessedTotal counts signals handled by the processor.
	SignalsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_processed_total",
			Help:      "Total number of signals processed",
		},
		[]string{"result"}, // result: applied, gated, failed
	)

	// SignalIngestLatency measures time from API receipt to queue publish.
	SignalIngestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_ingest_latency_seconds",
			Help:      "Time from signal receipt to queue publish in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// SignalProcessingLatency measures time to apply a single signal.
	SignalProcessingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_processing_latency_seconds",
			Help:      "Time to apply a single signal in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Event metrics track the escalation state machine.
var (
	// EventTransitionsTotal counts lifecycle transitions.
	EventTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_transitions_total",
			Help:      "Total number of event lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	// ActiveEvents tracks events currently owned by the scheduler.
	ActiveEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_events",
			Help:      "Current number of active events",
		},
	)

	// InvariantViolationsTotal counts discarded scheduler operations.
	InvariantViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_invariant_violations_total",
			Help:      "Total number of scheduler operations discarded as invariant violations",
		},
		[]string{"op"},
	)

	// RuleCompilationsTotal counts compiler outcomes.
	RuleCompilationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_compilations_total",
			Help:      "Total number of rule compilations",
		},
		[]string{"kind", "result"}, // result: accepted, rejected
	)
)

// Notification metrics track the delivery pipeline.
var (
	// NotificationsTotal counts delivery outcomes.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notification deliveries",
		},
		[]string{"channel", "kind", "status"}, // status: sent, failed, dropped
	)

	// DeliveryLatency measures time spent delivering one notification, retries included.
	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Time to deliver a notification including retries in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	// DeliveryQueueDepth tracks notifications waiting for a worker.
	DeliveryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_depth",
			Help:      "Current number of notifications waiting for delivery",
		},
	)
)

// Queue metrics track message queue health.
var (
	// QueuePublishLatency measures time to publish a message to the queue.
	QueuePublishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_publish_latency_seconds",
			Help:      "Time to publish a message to the queue in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
	)

	// CatalogReloadsTotal counts catalog snapshot swaps.
	CatalogReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_reloads_total",
			Help:      "Total number of configuration catalog reloads",
		},
		[]string{"source", "status"},
	)
)

// Storage metrics track database and cache operations.
var (
	// StorageOperationLatency measures latency of storage operations.
	StorageOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_latency_seconds",
			Help:      "Latency of storage operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"store", "operation"}, // store: postgres, redis; operation: read, write
	)

	// StorageOperationsTotal counts storage operations.
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of storage operations",
		},
		[]string{"store", "operation", "status"}, // status: success, failure
	)
)
