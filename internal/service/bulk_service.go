package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jengzang/hospital-bulk-go/internal/csvimport"
	"github.com/jengzang/hospital-bulk-go/internal/dispatch"
	"github.com/jengzang/hospital-bulk-go/internal/metrics"
	"github.com/jengzang/hospital-bulk-go/internal/models"
	"github.com/jengzang/hospital-bulk-go/internal/progress"
)

// CheckpointStore persists resumable batches
type CheckpointStore interface {
	Get(ctx context.Context, batchID string) (*models.Checkpoint, error)
	Put(ctx context.Context, cp *models.Checkpoint) error
	Delete(ctx context.Context, batchID string) error
	List(ctx context.Context) ([]*models.Checkpoint, error)
}

// HospitalClient is the part of the directory service the bulk service needs.
// The directory activates every hospital carrying the batch id, so
// ActivateBatch does not send hospitalIDs; they are kept for logging.
type HospitalClient interface {
	dispatch.RecordCreator
	ActivateBatch(ctx context.Context, batchID string, hospitalIDs []int64) error
	GetBatchHospitals(ctx context.Context, batchID string) ([]models.HospitalResponse, error)
}

// BulkService coordinates batch runs: validate, dispatch, activate, and the
// resume/abandon lifecycle on top of the checkpoint store
type BulkService struct {
	tracker    *progress.Tracker
	dispatcher *dispatch.Dispatcher
	client     HospitalClient
	store      CheckpointStore
	maxRecords int
	background sync.WaitGroup
}

// NewBulkService creates a new bulk service
func NewBulkService(tracker *progress.Tracker, dispatcher *dispatch.Dispatcher, client HospitalClient, store CheckpointStore, maxRecords int) *BulkService {
	return &BulkService{
		tracker:    tracker,
		dispatcher: dispatcher,
		client:     client,
		store:      store,
		maxRecords: maxRecords,
	}
}

// Submit validates the records and processes them as a new batch.
// Failed records never produce an error here, only a resumable snapshot.
func (s *BulkService) Submit(ctx context.Context, records []models.HospitalCreate) (*models.ProgressSnapshot, error) {
	batchID, err := s.Prepare(records)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, batchID)
}

// SubmitAsync prepares the batch and processes it in the background.
// The returned snapshot is the state right after preparation.
func (s *BulkService) SubmitAsync(records []models.HospitalCreate) (*models.ProgressSnapshot, error) {
	batchID, err := s.Prepare(records)
	if err != nil {
		return nil, err
	}
	snap, err := s.tracker.Snapshot(batchID)
	if err != nil {
		return nil, err
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.Run(context.Background(), batchID); err != nil {
			log.WithField("batch_id", batchID).WithError(err).Error("Background batch run failed")
		}
	}()
	return snap, nil
}

// Wait blocks until every background run has finished
func (s *BulkService) Wait() {
	s.background.Wait()
}

// Prepare validates the input and registers a new batch ready for dispatch.
// Nothing is tracked when validation fails.
func (s *BulkService) Prepare(records []models.HospitalCreate) (string, error) {
	if err := csvimport.ValidateRecords(records, s.maxRecords); err != nil {
		return "", err
	}

	batchID := models.NewBatchID()
	if _, err := s.tracker.Begin(batchID, records); err != nil {
		return "", err
	}
	if err := s.tracker.Transition(batchID, models.BatchValidating, "Validating hospital records"); err != nil {
		s.tracker.Forget(batchID)
		return "", err
	}
	step := fmt.Sprintf("Creating %d hospitals", len(records))
	if err := s.tracker.Transition(batchID, models.BatchProcessing, step); err != nil {
		s.tracker.Forget(batchID)
		return "", err
	}

	log.WithField("batch_id", batchID).Infof("Prepared batch with %d hospitals", len(records))
	return batchID, nil
}

// Run dispatches every pending task of a prepared batch and finalizes it
func (s *BulkService) Run(ctx context.Context, batchID string) (*models.ProgressSnapshot, error) {
	// runs to the end even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	pending, err := s.tracker.PendingTasks(batchID)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(ctx, batchID, pending)
	return s.finalize(ctx, batchID, false)
}

// Resume re-dispatches the rows of a resumable batch that did not succeed
func (s *BulkService) Resume(ctx context.Context, batchID string) (*models.ProgressSnapshot, error) {
	ctx = context.WithoutCancel(ctx)
	logger := log.WithField("batch_id", batchID)

	cp, err := s.loadCheckpoint(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := s.dropStaleCheckpoint(ctx, batchID); err != nil {
		return nil, err
	}
	if err := s.ensureTracked(cp); err != nil {
		return nil, err
	}

	step := fmt.Sprintf("Resuming from row %d", cp.ResumeFromRow)
	if err := s.tracker.Transition(batchID, models.BatchProcessing, step); err != nil {
		return nil, err
	}
	pending, err := s.tracker.ResetUnresolved(batchID)
	if err != nil {
		return nil, err
	}

	logger.Infof("Resuming batch: %d hospitals to retry, %d already created", len(pending), len(cp.Succeeded))
	s.dispatcher.Dispatch(ctx, batchID, pending)
	return s.finalize(ctx, batchID, true)
}

// Abandon ends a resumable batch for good. Hospitals already created stay.
func (s *BulkService) Abandon(ctx context.Context, batchID string) error {
	cp, err := s.loadCheckpoint(ctx, batchID)
	if err != nil {
		return err
	}
	if err := s.dropStaleCheckpoint(ctx, batchID); err != nil {
		return err
	}
	if err := s.ensureTracked(cp); err != nil {
		return err
	}
	status, err := s.tracker.Status(batchID)
	if err != nil {
		return err
	}
	if err := models.CheckTransition(status, models.BatchAbandoned); err != nil {
		return err
	}

	// the batch stays resumable until its checkpoint is really gone
	err = s.store.Delete(ctx, batchID)
	metrics.RecordCheckpointOp("delete", err)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if err := s.tracker.Abandon(batchID); err != nil {
		return err
	}

	metrics.RecordBatchFinished(models.BatchAbandoned)
	log.WithField("batch_id", batchID).Infof("Abandoned batch at row %d", cp.ResumeFromRow)
	return nil
}

// Progress returns the current snapshot, loading it from the checkpoint
// store when the batch is no longer in memory
func (s *BulkService) Progress(ctx context.Context, batchID string) (*models.ProgressSnapshot, error) {
	snap, err := s.tracker.Snapshot(batchID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, models.ErrUnknownBatch) {
		return nil, err
	}

	cp, err := s.store.Get(ctx, batchID)
	metrics.RecordCheckpointOp("get", ignoreNotFound(err))
	if errors.Is(err, models.ErrCheckpointNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownBatch, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := s.ensureTracked(cp); err != nil {
		return nil, err
	}
	return s.tracker.Snapshot(batchID)
}

// ListResumable returns a summary of every checkpoint that can still be
// resumed, newest first. Checkpoints of finished batches are removed.
func (s *BulkService) ListResumable(ctx context.Context) ([]models.CheckpointSummary, error) {
	checkpoints, err := s.store.List(ctx)
	metrics.RecordCheckpointOp("list", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	summaries := make([]models.CheckpointSummary, 0, len(checkpoints))
	for _, cp := range checkpoints {
		if err := s.dropStaleCheckpoint(ctx, cp.BatchID); err != nil {
			if !errors.Is(err, models.ErrNotResumable) {
				log.WithField("batch_id", cp.BatchID).WithError(err).Warn("Failed to remove checkpoint of finished batch")
			}
			continue
		}
		summaries = append(summaries, cp.Summary())
	}
	return summaries, nil
}

// Cleanup drops finished batches older than maxAge from memory.
// Checkpoints, and therefore resumable batches, are never touched.
func (s *BulkService) Cleanup(maxAge time.Duration) int {
	removed := s.tracker.Cleanup(maxAge)
	metrics.RecordCleanup(removed)
	if removed > 0 {
		log.Infof("Cleaned up %d finished batches older than %v", removed, maxAge)
	}
	return removed
}

// RunCleanupLoop calls Cleanup every interval until ctx is done
func (s *BulkService) RunCleanupLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(maxAge)
		}
	}
}

// GetBatchHospitals reads the hospitals of a batch from the directory service
func (s *BulkService) GetBatchHospitals(ctx context.Context, batchID string) ([]models.HospitalResponse, error) {
	if !models.IsValidBatchID(batchID) {
		return nil, &models.ValidationError{Field: "batch_id", Message: "invalid batch id"}
	}
	return s.client.GetBatchHospitals(ctx, batchID)
}

// finalize activates a fully created batch, or checkpoints it as resumable
func (s *BulkService) finalize(ctx context.Context, batchID string, resumed bool) (*models.ProgressSnapshot, error) {
	logger := log.WithField("batch_id", batchID)

	snap, err := s.tracker.Snapshot(batchID)
	if err != nil {
		return nil, err
	}

	if snap.ProcessedHospitals < snap.TotalHospitals {
		reason := fmt.Sprintf("%d of %d hospitals failed", snap.TotalHospitals-snap.ProcessedHospitals, snap.TotalHospitals)
		cp, err := s.tracker.Checkpoint(batchID, reason)
		if err != nil {
			return nil, err
		}
		err = s.store.Put(ctx, cp)
		metrics.RecordCheckpointOp("put", err)
		if err != nil {
			if failErr := s.tracker.Fail(batchID, "checkpoint could not be saved"); failErr != nil {
				logger.WithError(failErr).Error("Failed to mark batch as failed")
			}
			metrics.RecordBatchFinished(models.BatchFailed)
			return nil, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		if err := s.tracker.MarkResumable(batchID, cp); err != nil {
			return nil, err
		}

		metrics.RecordBatchFinished(models.BatchResumable)
		logger.Warnf("Batch is resumable from row %d: %s", cp.ResumeFromRow, reason)
		return s.tracker.Snapshot(batchID)
	}

	if err := s.tracker.Transition(batchID, models.BatchActivating, "Activating batch"); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(snap.Hospitals))
	for _, task := range snap.Hospitals {
		if task.HospitalID != nil {
			ids = append(ids, *task.HospitalID)
		}
	}

	var result error
	if err := s.client.ActivateBatch(ctx, batchID, ids); err != nil {
		logger.WithError(err).Error("Batch activation failed")
		if failErr := s.tracker.Fail(batchID, fmt.Sprintf("batch activation failed: %v", err)); failErr != nil {
			return nil, failErr
		}
		metrics.RecordBatchFinished(models.BatchFailed)
	} else {
		if err := s.tracker.Complete(batchID, true); err != nil {
			return nil, err
		}
		metrics.RecordBatchFinished(models.BatchCompleted)
		logger.Infof("Batch completed: %d hospitals created and activated", len(ids))
	}

	// both outcomes are terminal, the checkpoint must not outlive them
	if resumed {
		err := s.store.Delete(ctx, batchID)
		metrics.RecordCheckpointOp("delete", err)
		if err != nil {
			result = fmt.Errorf("failed to delete checkpoint: %w", err)
		}
	}

	snap, err = s.tracker.Snapshot(batchID)
	if err != nil {
		return nil, err
	}
	return snap, result
}

func (s *BulkService) loadCheckpoint(ctx context.Context, batchID string) (*models.Checkpoint, error) {
	cp, err := s.store.Get(ctx, batchID)
	metrics.RecordCheckpointOp("get", ignoreNotFound(err))
	if errors.Is(err, models.ErrCheckpointNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotResumable, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// dropStaleCheckpoint deletes a checkpoint whose batch already reached a
// terminal status, which happens when the delete after finishing failed.
// It returns ErrNotResumable once such a checkpoint is removed.
func (s *BulkService) dropStaleCheckpoint(ctx context.Context, batchID string) error {
	status, err := s.tracker.Status(batchID)
	if err != nil || !status.IsTerminal() {
		return nil
	}

	err = s.store.Delete(ctx, batchID)
	metrics.RecordCheckpointOp("delete", err)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	log.WithField("batch_id", batchID).Infof("Removed checkpoint of %s batch", status)
	return fmt.Errorf("%w: %s is %s", models.ErrNotResumable, batchID, status)
}

// ensureTracked restores a batch from its checkpoint after a restart
func (s *BulkService) ensureTracked(cp *models.Checkpoint) error {
	if s.tracker.Has(cp.BatchID) {
		return nil
	}
	err := s.tracker.Restore(cp)
	if err != nil && !errors.Is(err, models.ErrDuplicateBatch) {
		return err
	}
	log.WithField("batch_id", cp.BatchID).Info("Restored batch from checkpoint")
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, models.ErrCheckpointNotFound) {
		return nil
	}
	return err
}
