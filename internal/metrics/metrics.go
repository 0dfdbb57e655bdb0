package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jengzang/hospital-bulk-go/internal/models"
)

const prefix = "hospital_bulk_"

var inFlightGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: prefix + "remote_calls_in_flight",
		Help: "Number of hospital create calls currently in flight",
	},
)

var taskOutcomeCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "tasks_total",
		Help: "Number of finished hospital create tasks by outcome",
	},
	[]string{"outcome"},
)

var taskDurationHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    prefix + "task_duration_seconds",
		Help:    "Time taken by one hospital create call",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	},
)

var batchStatusCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "batches_total",
		Help: "Number of batch runs finished by resulting status",
	},
	[]string{"status"},
)

var checkpointOpsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "checkpoint_operations_total",
		Help: "Number of checkpoint store operations by operation and result",
	},
	[]string{"operation", "result"},
)

var cleanupRemovedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "progress_cleanup_removed_total",
		Help: "Number of finished batches removed from memory by cleanup",
	},
)

func RemoteCallStarted() {
	inFlightGauge.Inc()
}

func RemoteCallFinished() {
	inFlightGauge.Dec()
}

func RecordTaskOutcome(status models.TaskStatus, elapsed time.Duration) {
	taskOutcomeCounter.WithLabelValues(string(status)).Inc()
	taskDurationHist.Observe(elapsed.Seconds())
}

func RecordBatchFinished(status models.BatchStatus) {
	batchStatusCounter.WithLabelValues(string(status)).Inc()
}

// RecordCheckpointOp counts a store call; err decides the result label
func RecordCheckpointOp(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	checkpointOpsCounter.WithLabelValues(operation, result).Inc()
}

func RecordCleanup(removed int) {
	cleanupRemovedCounter.Add(float64(removed))
}
