package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jengzang/hospital-bulk-go/internal/models"
)

const checkpointFileSuffix = ".json"

// FileCheckpointStore keeps one JSON file per resumable batch in a directory.
// The directory is locked for the lifetime of the store so a second process
// cannot write the same checkpoints.
type FileCheckpointStore struct {
	dir  string
	lock *DirLock
}

// NewFileCheckpointStore creates the directory if needed and acquires its lock
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}

	lock, err := AcquireDirLock(dir)
	if err != nil {
		return nil, err
	}

	return &FileCheckpointStore{dir: dir, lock: lock}, nil
}

// Close releases the directory lock
func (s *FileCheckpointStore) Close() error {
	return s.lock.Release()
}

func (s *FileCheckpointStore) path(batchID string) string {
	return filepath.Join(s.dir, batchID+checkpointFileSuffix)
}

// Get reads the checkpoint of a batch
func (s *FileCheckpointStore) Get(ctx context.Context, batchID string) (*models.Checkpoint, error) {
	if !models.IsValidBatchID(batchID) {
		return nil, fmt.Errorf("%w: %s", models.ErrCheckpointNotFound, batchID)
	}

	cp := &models.Checkpoint{}
	if err := readJSON(s.path(batchID), cp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrCheckpointNotFound, batchID)
		}
		return nil, err
	}
	return cp, nil
}

// Put replaces the checkpoint file atomically
func (s *FileCheckpointStore) Put(ctx context.Context, cp *models.Checkpoint) error {
	if !models.IsValidBatchID(cp.BatchID) {
		return fmt.Errorf("invalid batch id %q", cp.BatchID)
	}
	return writeJSON(s.path(cp.BatchID), cp)
}

// Delete removes the checkpoint file if present
func (s *FileCheckpointStore) Delete(ctx context.Context, batchID string) error {
	if !models.IsValidBatchID(batchID) {
		return nil
	}
	if err := os.Remove(s.path(batchID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint %s: %w", batchID, err)
	}
	return nil
}

// List reads every checkpoint in the directory, most recently written first
func (s *FileCheckpointStore) List(ctx context.Context) ([]*models.Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory %s: %w", s.dir, err)
	}

	checkpoints := []*models.Checkpoint{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, checkpointFileSuffix) {
			continue
		}
		if !models.IsValidBatchID(strings.TrimSuffix(name, checkpointFileSuffix)) {
			continue
		}
		cp := &models.Checkpoint{}
		if err := readJSON(filepath.Join(s.dir, name), cp); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // deleted while listing
			}
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		if !checkpoints[i].LastCheckpointAt.Equal(checkpoints[j].LastCheckpointAt) {
			return checkpoints[i].LastCheckpointAt.After(checkpoints[j].LastCheckpointAt)
		}
		return checkpoints[i].BatchID < checkpoints[j].BatchID
	})
	return checkpoints, nil
}

func writeBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return writeBytes(path, data)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}
