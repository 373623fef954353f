// Package metrics exposes Prometheus instrumentation for federation roots.
// Every series is labelled with the name of the root node that produced it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FederatesRegistered tracks the total number of federates registered with a root
	FederatesRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosim_federates_registered_total",
			Help: "Total number of federates registered with the federation root",
		},
		[]string{"root"},
	)

	// ActiveFederates tracks the number of federates that have not finalized
	ActiveFederates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cosim_federates_active",
			Help: "Number of registered federates that are not yet finalized or errored",
		},
		[]string{"root"},
	)

	// GrantsTotal tracks grants issued, labelled by kind (exec or time) and iteration result
	GrantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosim_grants_total",
			Help: "Total number of execution and time grants issued",
		},
		[]string{"root", "kind", "result"},
	)

	// ValuesRouted tracks value deliveries from publications to inputs
	ValuesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosim_values_routed_total",
			Help: "Total number of publication values delivered to inputs",
		},
		[]string{"root"},
	)

	// MessagesRouted tracks messages delivered to endpoints
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosim_messages_routed_total",
			Help: "Total number of messages delivered to endpoints",
		},
		[]string{"root"},
	)

	// MessagesDropped tracks messages that never reached an endpoint
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosim_messages_dropped_total",
			Help: "Total number of messages dropped by filters or addressed to unknown endpoints",
		},
		[]string{"root", "reason"},
	)

	// GrantAdvance tracks how far each time grant moved a federate forward, in simulated seconds
	GrantAdvance = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cosim_grant_advance_seconds",
			Help:    "Simulated time advanced by each time grant",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 100},
		},
		[]string{"root"},
	)

	// BlockingWait tracks how long federates block on coordination calls, in wall-clock seconds
	BlockingWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cosim_blocking_wait_seconds",
			Help:    "Wall-clock time federates spent blocked waiting for a grant",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"op"},
	)
)

// RecordFederateRegistered records a new federate at the root
func RecordFederateRegistered(root string) {
	FederatesRegistered.WithLabelValues(root).Inc()
	ActiveFederates.WithLabelValues(root).Inc()
}

// RecordFederateDone records a federate leaving the active set
func RecordFederateDone(root string) {
	ActiveFederates.WithLabelValues(root).Dec()
}

// RecordGrant records one grant together with the simulated time it advanced
func RecordGrant(root, kind, result string, advance float64) {
	GrantsTotal.WithLabelValues(root, kind, result).Inc()
	if kind == "time" && advance >= 0 {
		GrantAdvance.WithLabelValues(root).Observe(advance)
	}
}

// RecordValueRouted records one value delivery
func RecordValueRouted(root string) {
	ValuesRouted.WithLabelValues(root).Inc()
}

// RecordMessageRouted records one message delivery
func RecordMessageRouted(root string) {
	MessagesRouted.WithLabelValues(root).Inc()
}

// RecordMessageDropped records a dropped message and why it was dropped
func RecordMessageDropped(root, reason string) {
	MessagesDropped.WithLabelValues(root, reason).Inc()
}

// RecordBlockingWait records the wall-clock duration of one blocking call
func RecordBlockingWait(op string, seconds float64) {
	BlockingWait.WithLabelValues(op).Observe(seconds)
}
