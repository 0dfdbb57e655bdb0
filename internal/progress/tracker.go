// Package progress keeps the live state of every bulk batch in memory.
//
// The map of batches is guarded by one RWMutex that is only held long enough
// to find an entry; each batch then has its own mutex so outcomes reported for
// one batch never wait on another.
package progress

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jengzang/hospital-bulk-go/internal/models"
)

// Tracker maps batch ids to their live progress
type Tracker struct {
	mu      sync.RWMutex
	batches map[string]*entry
	now     func() time.Time
}

type entry struct {
	mu sync.Mutex

	id               string
	status           models.BatchStatus
	tasks            []models.RecordTask // tasks[i].Row == i+1
	processed        int
	failed           int
	currentStep      string
	activated        bool
	failureReason    string
	resumeFromRow    int
	createdAt        time.Time
	completedAt      *time.Time
	updatedAt        time.Time
	lastCheckpointAt *time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock overrides time.Now, mainly for cleanup tests
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates an empty tracker
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		batches: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) get(batchID string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.batches[batchID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownBatch, batchID)
	}
	return e, nil
}

func (t *Tracker) insert(e *entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.batches[e.id]; exists {
		return fmt.Errorf("%w: %s", models.ErrDuplicateBatch, e.id)
	}
	t.batches[e.id] = e
	return nil
}

// Has reports whether the batch is currently tracked
func (t *Tracker) Has(batchID string) bool {
	_, err := t.get(batchID)
	return err == nil
}

// Begin starts tracking a new batch in status initializing
func (t *Tracker) Begin(batchID string, records []models.HospitalCreate) (*models.ProgressSnapshot, error) {
	now := t.now()
	tasks := make([]models.RecordTask, len(records))
	for i, r := range records {
		tasks[i] = models.RecordTask{
			Row:     i + 1,
			Name:    r.Name,
			Address: r.Address,
			Phone:   r.Phone,
			Status:  models.TaskPending,
		}
	}

	e := &entry{
		id:          batchID,
		status:      models.BatchInitializing,
		tasks:       tasks,
		currentStep: "Initialized batch processing",
		createdAt:   now,
		updatedAt:   now,
	}
	if err := t.insert(e); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(now), nil
}

// Restore rebuilds a resumable batch from its checkpoint, e.g. after a restart
func (t *Tracker) Restore(cp *models.Checkpoint) error {
	succeeded := cp.SucceededRows()
	tasks := make([]models.RecordTask, len(cp.Records))
	for i, r := range cp.Records {
		task := models.RecordTask{
			Row:     i + 1,
			Name:    r.Name,
			Address: r.Address,
			Phone:   r.Phone,
		}
		if id, ok := succeeded[task.Row]; ok {
			hospitalID := id
			task.Status = models.TaskCreated
			task.HospitalID = &hospitalID
		} else {
			task.Status = models.TaskFailed
			task.ErrorMessage = "not created in a previous run"
		}
		tasks[i] = task
	}

	checkpointAt := cp.LastCheckpointAt
	e := &entry{
		id:               cp.BatchID,
		status:           models.BatchResumable,
		tasks:            tasks,
		currentStep:      "Restored from checkpoint",
		failureReason:    cp.FailureReason,
		resumeFromRow:    cp.ResumeFromRow,
		createdAt:        cp.CreatedAt,
		updatedAt:        t.now(),
		lastCheckpointAt: &checkpointAt,
	}
	e.recount()
	return t.insert(e)
}

// Transition moves a batch to a new status following the transition table
func (t *Tracker) Transition(batchID string, status models.BatchStatus, step string) error {
	e, err := t.get(batchID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(status, step, t.now())
}

// StartTask marks a task as in flight
func (t *Tracker) StartTask(batchID string, row int) error {
	e, err := t.get(batchID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	task, err := e.task(row)
	if err != nil {
		return err
	}
	if e.status != models.BatchProcessing {
		return fmt.Errorf("%w: batch %s is %s", models.ErrInvalidTransition, batchID, e.status)
	}
	e.setTaskStatus(task, models.TaskProcessing)
	e.currentStep = fmt.Sprintf("Processing hospital %d of %d", row, len(e.tasks))
	e.updatedAt = t.now()
	return nil
}

// RecordTaskOutcome stores the result of one remote call. Safe for concurrent use.
func (t *Tracker) RecordTaskOutcome(batchID string, outcome models.TaskOutcome) error {
	e, err := t.get(batchID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != models.BatchProcessing {
		return fmt.Errorf("%w: batch %s is %s", models.ErrInvalidTransition, batchID, e.status)
	}
	task, err := e.task(outcome.Row)
	if err != nil {
		return err
	}

	elapsed := math.Round(outcome.Elapsed.Seconds()*1000) / 1000
	task.ProcessingTime = &elapsed
	switch outcome.Status {
	case models.TaskCreated:
		id := outcome.HospitalID
		task.HospitalID = &id
		task.ErrorMessage = ""
	case models.TaskFailed:
		task.HospitalID = nil
		task.ErrorMessage = outcome.Error
	default:
		return fmt.Errorf("unexpected task outcome status %q", outcome.Status)
	}
	e.setTaskStatus(task, outcome.Status)
	e.updatedAt = t.now()
	return nil
}

// ResetUnresolved puts every task that has not succeeded back to pending and
// returns copies of them. Succeeded tasks are never returned.
func (t *Tracker) ResetUnresolved(batchID string) ([]models.RecordTask, error) {
	e, err := t.get(batchID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != models.BatchProcessing {
		return nil, fmt.Errorf("%w: batch %s is %s", models.ErrInvalidTransition, batchID, e.status)
	}

	var pending []models.RecordTask
	for i := range e.tasks {
		task := &e.tasks[i]
		if task.Status.Succeeded() {
			continue
		}
		task.HospitalID = nil
		task.ErrorMessage = ""
		task.ProcessingTime = nil
		e.setTaskStatus(task, models.TaskPending)
		pending = append(pending, *task)
	}
	e.completedAt = nil
	e.updatedAt = t.now()
	return pending, nil
}

// PendingTasks returns copies of the tasks that still wait for a remote call
func (t *Tracker) PendingTasks(batchID string) ([]models.RecordTask, error) {
	e, err := t.get(batchID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var pending []models.RecordTask
	for _, task := range e.tasks {
		if task.Status == models.TaskPending {
			pending = append(pending, task)
		}
	}
	return pending, nil
}

// Complete marks the batch completed. When activated, created tasks become created_and_activated.
func (t *Tracker) Complete(batchID string, activated bool) error {
	e, err := t.get(batchID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := t.now()
	if err := e.transition(models.BatchCompleted, "Batch processing completed", now); err != nil {
		return err
	}
	e.activated = activated
	if activated {
		for i := range e.tasks {
			if e.tasks[i].Status == models.TaskCreated {
				e.tasks[i].Status = models.TaskCreatedAndActivated
			}
		}
	}
	e.failureReason = ""
	e.resumeFromRow = 0
	e.completedAt = &now
	return nil
}

// Fail marks the batch failed. This is terminal.
func (t *Tracker) Fail(batchID string, reason string) error {
	e, err := t.get(batchID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := t.now()
	if err := e.transition(models.BatchFailed, "Processing failed: "+reason, now); err != nil {
		return err
	}
	e.failureReason = reason
	e.resumeFromRow = 0
	e.completedAt = &now
	return nil
}

// MarkResumable records that a checkpoint was written for the batch
func (t *Tracker) MarkResumable(batchID string, cp *models.Checkpoint) error {
	e, err := t.get(batchID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := t.now()
	step := fmt.Sprintf("Processing stopped with %d failed hospitals; resumable from row %d", e.failed, cp.ResumeFromRow)
	if err := e.transition(models.BatchResumable, step, now); err != nil {
		return err
	}
	checkpointAt := cp.LastCheckpointAt
	e.failureReason = cp.FailureReason
	e.resumeFromRow = cp.ResumeFromRow
	e.lastCheckpointAt = &checkpointAt
	e.completedAt = &now
	return nil
}

// Abandon ends a resumable batch for good. Tasks without a result are marked failed.
func (t *Tracker) Abandon(batchID string) error {
	e, err := t.get(batchID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := t.now()
	if err := e.transition(models.BatchAbandoned, "Batch abandoned", now); err != nil {
		return err
	}
	for i := range e.tasks {
		task := &e.tasks[i]
		if !task.Status.Resolved() {
			task.ErrorMessage = "batch abandoned"
			e.setTaskStatus(task, models.TaskFailed)
		}
	}
	e.resumeFromRow = 0
	e.completedAt = &now
	return nil
}

// Checkpoint projects the current state of a batch into a checkpoint record
func (t *Tracker) Checkpoint(batchID string, reason string) (*models.Checkpoint, error) {
	e, err := t.get(batchID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cp := &models.Checkpoint{
		BatchID:            e.id,
		TotalHospitals:     len(e.tasks),
		ProcessedHospitals: e.processed,
		FailedHospitals:    e.failed,
		Succeeded:          []models.SucceededRecord{},
		FailedRows:         []int{},
		FailureReason:      reason,
		Records:            make([]models.HospitalCreate, len(e.tasks)),
		CreatedAt:          e.createdAt,
		LastCheckpointAt:   t.now(),
	}
	for i, task := range e.tasks {
		cp.Records[i] = task.Payload()
		if task.Status.Succeeded() && task.HospitalID != nil {
			cp.Succeeded = append(cp.Succeeded, models.SucceededRecord{Row: task.Row, HospitalID: *task.HospitalID})
			continue
		}
		cp.FailedRows = append(cp.FailedRows, task.Row)
		if cp.ResumeFromRow == 0 {
			cp.ResumeFromRow = task.Row
		}
	}
	return cp, nil
}

// Status returns the current lifecycle status of the batch
func (t *Tracker) Status(batchID string) (models.BatchStatus, error) {
	e, err := t.get(batchID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, nil
}

// Snapshot returns a consistent copy of the batch
func (t *Tracker) Snapshot(batchID string) (*models.ProgressSnapshot, error) {
	e, err := t.get(batchID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(t.now()), nil
}

// Cleanup removes terminal batches not updated within maxAge and returns how
// many were removed. Resumable and running batches are always kept.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.batches {
		e.mu.Lock()
		expired := e.status.IsTerminal() && !e.updatedAt.After(cutoff)
		e.mu.Unlock()
		if expired {
			delete(t.batches, id)
			removed++
		}
	}
	return removed
}

// Forget drops a batch regardless of its status
func (t *Tracker) Forget(batchID string) {
	t.mu.Lock()
	delete(t.batches, batchID)
	t.mu.Unlock()
}

// Len returns the number of tracked batches
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.batches)
}

func (e *entry) transition(status models.BatchStatus, step string, now time.Time) error {
	if err := models.CheckTransition(e.status, status); err != nil {
		return fmt.Errorf("batch %s: %w", e.id, err)
	}
	e.status = status
	if step != "" {
		e.currentStep = step
	}
	e.updatedAt = now
	return nil
}

func (e *entry) task(row int) (*models.RecordTask, error) {
	if row < 1 || row > len(e.tasks) {
		return nil, fmt.Errorf("batch %s has no row %d", e.id, row)
	}
	return &e.tasks[row-1], nil
}

func (e *entry) setTaskStatus(task *models.RecordTask, status models.TaskStatus) {
	if task.Status.Succeeded() {
		e.processed--
	} else if task.Status == models.TaskFailed {
		e.failed--
	}
	task.Status = status
	if status.Succeeded() {
		e.processed++
	} else if status == models.TaskFailed {
		e.failed++
	}
}

func (e *entry) recount() {
	e.processed, e.failed = 0, 0
	for _, task := range e.tasks {
		if task.Status.Succeeded() {
			e.processed++
		} else if task.Status == models.TaskFailed {
			e.failed++
		}
	}
}

func (e *entry) snapshot(now time.Time) *models.ProgressSnapshot {
	total := len(e.tasks)
	percent := 0.0
	if total > 0 {
		percent = float64(e.processed+e.failed) / float64(total) * 100
	}

	end := now
	if e.completedAt != nil {
		end = *e.completedAt
	}

	tasks := make([]models.RecordTask, total)
	for i, task := range e.tasks {
		if task.HospitalID != nil {
			id := *task.HospitalID
			task.HospitalID = &id
		}
		if task.ProcessingTime != nil {
			pt := *task.ProcessingTime
			task.ProcessingTime = &pt
		}
		tasks[i] = task
	}

	snap := &models.ProgressSnapshot{
		BatchID:               e.id,
		Status:                e.status,
		TotalHospitals:        total,
		ProcessedHospitals:    e.processed,
		FailedHospitals:       e.failed,
		ProgressPercentage:    math.Round(percent*100) / 100,
		ProcessingTimeSeconds: math.Round(end.Sub(e.createdAt).Seconds()*100) / 100,
		CurrentStep:           e.currentStep,
		BatchActivated:        e.activated,
		IsCompleted:           e.status.IsTerminal(),
		IsResumable:           e.status == models.BatchResumable,
		ResumeFromRow:         e.resumeFromRow,
		FailureReason:         e.failureReason,
		CreatedAt:             e.createdAt,
		Hospitals:             tasks,
	}
	if e.lastCheckpointAt != nil {
		at := *e.lastCheckpointAt
		snap.LastCheckpointAt = &at
	}
	return snap
}
