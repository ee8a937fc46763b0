// Package metrics holds the Prometheus instruments shared by the stream
// and task layers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSinks tracks attached viewers across all sessions.
	ActiveSinks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "querycast_stream_sinks",
		Help: "Number of viewer sinks currently attached",
	})

	// EventsPublished counts events handed to sinks, by kind.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycast_stream_events_total",
		Help: "Events delivered to viewer sinks by kind",
	}, []string{"kind"})

	// SinksEvicted counts sinks removed after a failed delivery.
	SinksEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycast_stream_sinks_evicted_total",
		Help: "Viewer sinks evicted after a failed delivery, by reason",
	}, []string{"reason"})

	// TasksFinished counts tasks reaching a terminal status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycast_tasks_finished_total",
		Help: "Query tasks reaching a terminal status",
	}, []string{"status"})

	// TasksRunning tracks tasks currently executing a pipeline.
	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "querycast_tasks_running",
		Help: "Query tasks currently executing",
	})

	// StartRejected counts start requests refused by the single-flight rule.
	StartRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querycast_tasks_start_rejected_total",
		Help: "Query starts rejected because a query was already running",
	})

	// StepDuration tracks pipeline step latency by step and outcome.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querycast_step_duration_seconds",
		Help:    "Pipeline step duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"step", "result"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
