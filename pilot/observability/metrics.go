package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksReceived counts every offer handed over by the mail listener.
	TasksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wordpilot_tasks_received_total",
		Help: "Total number of task offers received from the mail listener",
	})

	// TasksAccepted counts offers the acceptance engine let through.
	TasksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wordpilot_tasks_accepted_total",
		Help: "Total number of offers accepted",
	})

	// TasksRejected counts rejections by rejection code.
	TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wordpilot_tasks_rejected_total",
		Help: "Total number of offers rejected",
	}, []string{"code"}) // reject_urgent_out_of_hours, reject_capacity, reject_invalid_deadline

	// TasksCompleted counts queue work units that finished successfully.
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wordpilot_tasks_completed_total",
		Help: "Total number of queued tasks completed successfully",
	})

	// TasksFailed counts queue work units that errored.
	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wordpilot_tasks_failed_total",
		Help: "Total number of queued tasks that failed",
	}, []string{"category"}) // login_expired, on_hold, missed, failed

	// ProcessingDuration tracks the wall time of the browser automation
	// per task.
	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wordpilot_task_processing_seconds",
		Help:    "Wall time of the browser automation per task",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
	})

	// QueueDepth tracks the number of pending entries in the main queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wordpilot_queue_depth",
		Help: "Current number of pending entries in the main task queue",
	})

	// BrowserSlots tracks pool slot counts by state.
	BrowserSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wordpilot_browser_slots",
		Help: "Browser pool slot counts by state",
	}, []string{"state"}) // available, busy

	// CapacityUsed tracks words allocated per date.
	CapacityUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wordpilot_capacity_used_words",
		Help: "Words allocated per date",
	}, []string{"date"})

	// VerificationsFailed counts post-accept verifications that rolled
	// back capacity.
	VerificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wordpilot_verifications_failed_total",
		Help: "Post-accept verifications where the platform had not recorded the acceptance",
	})

	// SyncRuns counts status-sync reconciliations by outcome.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wordpilot_sync_runs_total",
		Help: "Status sync reconciliation runs",
	}, []string{"outcome"}) // ok, error

	// ConsecutiveFailures tracks the current consecutive-failure count.
	ConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wordpilot_consecutive_failures",
		Help: "Current consecutive task-failure count",
	})
)
