package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"
)

var _ storage.StateStore = (*Store)(nil)

// stateValue etcd 中保存的状态值
type stateValue struct {
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// stateKey 状态 key: {prefix}/state/{pipeline_id}
func (s *Store) stateKey(pipelineID string) string {
	return fmt.Sprintf("%s/state/%s", s.prefix, pipelineID)
}

// GetState 读取状态，版本令牌为 ModRevision
func (s *Store) GetState(ctx context.Context, pipelineID string) (*model.StateEntry, error) {
	resp, err := s.client.Get(ctx, s.stateKey(pipelineID))
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, storage.ErrNotFound
	}
	kv := resp.Kvs[0]
	var v stateValue
	if err := json.Unmarshal(kv.Value, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &model.StateEntry{
		PipelineID: pipelineID,
		Payload:    v.Payload,
		Version:    strconv.FormatInt(kv.ModRevision, 10),
		UpdatedAt:  v.UpdatedAt,
	}, nil
}

// SetState 条件写入
//
// 首次写入比较 CreateRevision == 0，更新比较 ModRevision；
// etcd 的 revision 全局单调递增，删除重建也不会复用令牌。
func (s *Store) SetState(ctx context.Context, pipelineID string, payload json.RawMessage, expectedVersion string) (string, error) {
	key := s.stateKey(pipelineID)
	data, err := json.Marshal(stateValue{Payload: payload, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	var cmp clientv3.Cmp
	if expectedVersion == "" {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		rev, err := strconv.ParseInt(expectedVersion, 10, 64)
		if err != nil {
			return "", storage.ErrVersionConflict
		}
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", rev)
	}

	resp, err := s.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return "", fmt.Errorf("failed to set state: %w", err)
	}
	if !resp.Succeeded {
		return "", storage.ErrVersionConflict
	}
	return strconv.FormatInt(resp.Header.Revision, 10), nil
}

// ClearState 删除状态
func (s *Store) ClearState(ctx context.Context, pipelineID string) error {
	if _, err := s.client.Delete(ctx, s.stateKey(pipelineID)); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}
