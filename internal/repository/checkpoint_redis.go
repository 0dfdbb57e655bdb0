package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/jengzang/hospital-bulk-go/internal/models"
)

const (
	redisCheckpointPrefix = "checkpoint:"
	redisCheckpointIndex  = "checkpoints"
)

// RedisCheckpointStore keeps checkpoints as JSON strings with a sorted-set
// index scored by last checkpoint time
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCheckpointStore wraps an existing client. namespace is prepended to every key.
func NewRedisCheckpointStore(client *redis.Client, namespace string) *RedisCheckpointStore {
	return &RedisCheckpointStore{client: client, prefix: namespace}
}

func (s *RedisCheckpointStore) key(batchID string) string {
	return s.prefix + redisCheckpointPrefix + batchID
}

func (s *RedisCheckpointStore) index() string {
	return s.prefix + redisCheckpointIndex
}

// Get reads the checkpoint of a batch
func (s *RedisCheckpointStore) Get(ctx context.Context, batchID string) (*models.Checkpoint, error) {
	if !models.IsValidBatchID(batchID) {
		return nil, fmt.Errorf("%w: %s", models.ErrCheckpointNotFound, batchID)
	}

	data, err := s.client.Get(ctx, s.key(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", models.ErrCheckpointNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

// Put writes the checkpoint and its index entry in one MULTI/EXEC
func (s *RedisCheckpointStore) Put(ctx context.Context, cp *models.Checkpoint) error {
	if !models.IsValidBatchID(cp.BatchID) {
		return fmt.Errorf("invalid batch id %q", cp.BatchID)
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(cp.BatchID), payload, 0)
		pipe.ZAdd(ctx, s.index(), &redis.Z{
			Score:  float64(cp.LastCheckpointAt.UnixMilli()),
			Member: cp.BatchID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint and its index entry
func (s *RedisCheckpointStore) Delete(ctx context.Context, batchID string) error {
	if !models.IsValidBatchID(batchID) {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(batchID))
		pipe.ZRem(ctx, s.index(), batchID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns all indexed checkpoints, most recently written first
func (s *RedisCheckpointStore) List(ctx context.Context) ([]*models.Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.index(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	checkpoints := []*models.Checkpoint{}
	if len(ids) == 0 {
		return checkpoints, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // index entry without payload
		}
		cp, err := decodeCheckpoint([]byte(str))
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}
