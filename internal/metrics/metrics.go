// Package metrics holds the Prometheus collectors shared by the agent and the
// collector. They register against the default registry, which the collector
// exposes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_events_recorded_total",
			Help: "Events appended to the agent queue",
		},
		[]string{"type"},
	)

	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_batches_flushed_total",
			Help: "Batches handed to the delivery transport",
		},
		[]string{"trigger"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_deliveries_total",
			Help: "Delivery attempts by transport strategy and outcome",
		},
		[]string{"strategy", "result"},
	)

	SensorPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_sensor_panics_total",
			Help: "Recovered panics inside sensor callbacks",
		},
		[]string{"sensor"},
	)

	CollectorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_events_received_total",
			Help: "Events decoded and stored by the collector",
		},
		[]string{"type"},
	)

	CollectorRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_requests_rejected_total",
			Help: "Collector requests rejected before storage",
		},
		[]string{"endpoint", "reason"},
	)

	CollectorIdentifies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_identifies_total",
			Help: "Identify requests linked to a lead",
		},
	)
)
