package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"

	"github.com/redis/go-redis/v9"
)

var _ storage.StateStore = (*Store)(nil)

// stateKey 状态 hash: {prefix}state:{pipeline_id}
func (s *Store) stateKey(pipelineID string) string {
	return s.prefix + "state:" + pipelineID
}

// stateSeqKey 版本序号，不随状态删除，保证令牌不复用
func (s *Store) stateSeqKey(pipelineID string) string {
	return s.prefix + "state-seq:" + pipelineID
}

// GetState 读取状态
func (s *Store) GetState(ctx context.Context, pipelineID string) (*model.StateEntry, error) {
	vals, err := s.client.HGetAll(ctx, s.stateKey(pipelineID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	version, ok := vals["version"]
	if !ok {
		return nil, storage.ErrNotFound
	}
	entry := &model.StateEntry{
		PipelineID: pipelineID,
		Payload:    json.RawMessage(vals["payload"]),
		Version:    version,
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		entry.UpdatedAt = ts
	}
	return entry, nil
}

// SetState 条件写入
//
// WATCH 状态 key 后在事务中比较版本，并发写入者中只有一个 EXEC 成功，
// 其余得到 TxFailedErr，统一转换为 ErrVersionConflict。
func (s *Store) SetState(ctx context.Context, pipelineID string, payload json.RawMessage, expectedVersion string) (string, error) {
	key := s.stateKey(pipelineID)
	var version string

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Result()
		exists := err == nil
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if expectedVersion == "" && exists {
			return storage.ErrVersionConflict
		}
		if expectedVersion != "" && (!exists || current != expectedVersion) {
			return storage.ErrVersionConflict
		}

		seq, err := tx.Incr(ctx, s.stateSeqKey(pipelineID)).Result()
		if err != nil {
			return err
		}
		version = strconv.FormatInt(seq, 10)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"payload", string(payload),
				"version", version,
				"updated_at", time.Now().UTC().Format(time.RFC3339Nano))
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return version, nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, storage.ErrVersionConflict):
		return "", storage.ErrVersionConflict
	default:
		return "", fmt.Errorf("failed to set state: %w", err)
	}
}

// ClearState 删除状态
func (s *Store) ClearState(ctx context.Context, pipelineID string) error {
	if err := s.client.Del(ctx, s.stateKey(pipelineID)).Err(); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}
