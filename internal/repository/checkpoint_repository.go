package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jengzang/hospital-bulk-go/internal/models"
)

// CheckpointRepository stores batch checkpoints in sqlite
type CheckpointRepository struct {
	db *sql.DB
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *sql.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get retrieves the checkpoint of a batch
func (r *CheckpointRepository) Get(ctx context.Context, batchID string) (*models.Checkpoint, error) {
	if !models.IsValidBatchID(batchID) {
		return nil, fmt.Errorf("%w: %s", models.ErrCheckpointNotFound, batchID)
	}

	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM batch_checkpoints WHERE batch_id = ?`, batchID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrCheckpointNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return decodeCheckpoint([]byte(payload))
}

// Put creates or replaces the checkpoint of a batch in a single statement
func (r *CheckpointRepository) Put(ctx context.Context, cp *models.Checkpoint) error {
	if !models.IsValidBatchID(cp.BatchID) {
		return fmt.Errorf("invalid batch id %q", cp.BatchID)
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	query := `
		INSERT INTO batch_checkpoints (batch_id, payload, created_at, last_checkpoint_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			payload = excluded.payload,
			last_checkpoint_at = excluded.last_checkpoint_at
	`
	_, err = r.db.ExecContext(ctx, query,
		cp.BatchID,
		string(payload),
		cp.CreatedAt.UnixNano(),
		cp.LastCheckpointAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// Delete removes the checkpoint of a batch. Deleting a missing checkpoint is not an error.
func (r *CheckpointRepository) Delete(ctx context.Context, batchID string) error {
	if !models.IsValidBatchID(batchID) {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `DELETE FROM batch_checkpoints WHERE batch_id = ?`, batchID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	return nil
}

// List returns all checkpoints, most recently written first
func (r *CheckpointRepository) List(ctx context.Context) ([]*models.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM batch_checkpoints ORDER BY last_checkpoint_at DESC, batch_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []*models.Checkpoint{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp, err := decodeCheckpoint([]byte(payload))
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	return checkpoints, nil
}

func decodeCheckpoint(data []byte) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, nil
}
