package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BBBRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bbblb_bbb_request_duration_seconds",
		Help:    "Duration of BBB backend API calls per attempt.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2.0, 8),
	}, []string{"action", "status", "attempt"})

	BBBRequestRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_bbb_request_retries_total",
		Help: "Number of BBB backend API call retries performed.",
	}, []string{"action"})

	BBBRequestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_bbb_request_failures_total",
		Help: "Number of failed BBB backend API calls by error class.",
	}, []string{"action", "error_class"})

	BBBRequestSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_bbb_request_success_total",
		Help: "Number of successful BBB backend API calls.",
	}, []string{"action"})
)

var (
	MediatorRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_mediator_requests_total",
		Help: "Mediator requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	MediatorRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bbblb_mediator_request_duration_seconds",
		Help:    "Duration of mediator requests, from arrival to response written.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

var (
	ServerLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bbblb_server_load",
		Help: "Current load value of each backend server.",
	}, []string{"server"})

	ServerHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bbblb_server_health",
		Help: "Backend server health (1=available, 0.5=unstable, 0=offline).",
	}, []string{"server"})

	PollerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_poller_runs_total",
		Help: "Poller sweep outcomes, by result.",
	}, []string{"result"})
)

var (
	ImporterTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbblb_importer_tasks_total",
		Help: "Recording import tasks by outcome.",
	}, []string{"outcome"})

	ImporterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bbblb_importer_queue_depth",
		Help: "Current depth of the recording import worker queue.",
	})
)
