// Package dispatch runs hospital create calls under a global concurrency cap.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/jengzang/hospital-bulk-go/internal/metrics"
	"github.com/jengzang/hospital-bulk-go/internal/models"
)

// RecordCreator creates one hospital remotely
type RecordCreator interface {
	CreateHospital(ctx context.Context, batchID string, h models.HospitalCreate) (*models.HospitalResponse, error)
}

// OutcomeReporter receives task progress, usually the progress tracker
type OutcomeReporter interface {
	StartTask(batchID string, row int) error
	RecordTaskOutcome(batchID string, outcome models.TaskOutcome) error
}

// Dispatcher bounds the number of in-flight create calls across all batches
type Dispatcher struct {
	creator  RecordCreator
	reporter OutcomeReporter
	sem      *semaphore.Weighted
	limit    int
	now      func() time.Time
}

// New creates a dispatcher allowing at most limit concurrent remote calls
func New(creator RecordCreator, reporter OutcomeReporter, limit int) *Dispatcher {
	if limit < 1 {
		limit = 1
	}
	return &Dispatcher{
		creator:  creator,
		reporter: reporter,
		sem:      semaphore.NewWeighted(int64(limit)),
		limit:    limit,
		now:      time.Now,
	}
}

// Dispatch creates every task and blocks until each one reported an outcome.
// Tasks are started in row order; the result is sorted by row.
// The dispatcher never retries. A task that cannot get a slot because ctx is
// done is reported failed without a remote call.
func (d *Dispatcher) Dispatch(ctx context.Context, batchID string, tasks []models.RecordTask) []models.TaskOutcome {
	if len(tasks) == 0 {
		return []models.TaskOutcome{}
	}

	ordered := make([]models.RecordTask, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Row < ordered[j].Row })

	logger := log.WithField("batch_id", batchID)
	logger.Infof("Dispatching %d hospitals (limit %d)", len(ordered), d.limit)

	outcomes := make([]models.TaskOutcome, len(ordered))
	var wg sync.WaitGroup
	for i, task := range ordered {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			outcome := models.TaskOutcome{Row: task.Row, Status: models.TaskFailed, Error: err.Error()}
			d.report(logger, batchID, outcome)
			outcomes[i] = outcome
			continue
		}

		wg.Add(1)
		go func(i int, task models.RecordTask) {
			defer wg.Done()
			defer d.sem.Release(1)
			// reported before the slot is released
			outcomes[i] = d.run(ctx, logger, batchID, task)
		}(i, task)
	}
	wg.Wait()

	return outcomes
}

func (d *Dispatcher) run(ctx context.Context, logger *log.Entry, batchID string, task models.RecordTask) models.TaskOutcome {
	if err := d.reporter.StartTask(batchID, task.Row); err != nil {
		logger.WithError(err).Warnf("Failed to mark row %d as processing", task.Row)
	}

	metrics.RemoteCallStarted()
	start := d.now()
	created, err := d.creator.CreateHospital(ctx, batchID, task.Payload())
	elapsed := d.now().Sub(start)
	metrics.RemoteCallFinished()

	outcome := models.TaskOutcome{Row: task.Row, Elapsed: elapsed}
	if err != nil {
		outcome.Status = models.TaskFailed
		outcome.Error = err.Error()
		logger.WithError(err).Warnf("Row %d (%s) failed", task.Row, task.Name)
	} else {
		outcome.Status = models.TaskCreated
		outcome.HospitalID = created.ID
		logger.Debugf("Row %d created as hospital %d in %v", task.Row, created.ID, elapsed)
	}
	d.report(logger, batchID, outcome)
	return outcome
}

func (d *Dispatcher) report(logger *log.Entry, batchID string, outcome models.TaskOutcome) {
	metrics.RecordTaskOutcome(outcome.Status, outcome.Elapsed)
	if err := d.reporter.RecordTaskOutcome(batchID, outcome); err != nil {
		logger.WithError(err).Errorf("Failed to record outcome of row %d", outcome.Row)
	}
}
