package puller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PulledRecords counts records handed to the queue.
	PulledRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_pulled_records_total",
			Help: "Total number of records pulled by data type and subtype",
		},
		[]string{"type", "subtype"},
	)

	// QueuedItems counts queue items by kind.
	QueuedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_queued_items_total",
			Help: "Total number of items pushed to the drain queue",
		},
		[]string{"type", "kind"}, // "batch", "terminal"
	)

	// LiveWorkers is the number of running subtype workers.
	LiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "export_live_workers",
			Help: "Number of running subtype workers",
		},
		[]string{"tenant", "type"},
	)

	// QueueDepth is the number of items waiting to be drained.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "export_queue_depth",
			Help: "Number of items waiting in the drain queue",
		},
		[]string{"tenant", "type"},
	)

	// WorkerExits counts worker terminations by result.
	WorkerExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_worker_exits_total",
			Help: "Total number of subtype worker exits by result",
		},
		[]string{"type", "result"}, // "success", "failure"
	)

	// PullFailures counts failed pull attempts by error class.
	PullFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_pull_failures_total",
			Help: "Total number of failed pull attempts by error class",
		},
		[]string{"type", "class"},
	)

	// BackpressureActive is 1 while the backpressure signal is raised.
	BackpressureActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "export_backpressure_active",
			Help: "1 while downstream backpressure stops pulling",
		},
	)
)
