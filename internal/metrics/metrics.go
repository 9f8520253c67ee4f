// Package metrics exposes Prometheus counters for the event-delivery core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmsub_events_published_total",
			Help: "Events written into subscription segments by kind",
		},
		[]string{"kind"},
	)

	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmsub_events_processed_total",
			Help: "Subscriber callback invocations by kind",
		},
		[]string{"kind"},
	)

	CallbackFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shmsub_callback_failures_total",
			Help: "Subscriber callbacks that returned an error, by phase",
		},
		[]string{"phase"},
	)

	AckTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shmsub_ack_timeouts_total",
			Help: "Publishes that timed out waiting for subscriber acknowledgment",
		},
	)

	LockTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shmsub_lock_timeouts_total",
			Help: "Timed-out acquisitions of segment or registry locks",
		},
	)
)

// Register adds all collectors of this package to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsPublished,
		EventsProcessed,
		CallbackFailures,
		AckTimeouts,
		LockTimeouts,
	)
}
