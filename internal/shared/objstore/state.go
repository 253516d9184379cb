package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"
)

// StateStore 以对象 ETag 为版本令牌的状态后端
//
// 更新使用 If-Match: <etag>，首次写入使用 If-None-Match: *，
// 服务端返回 412 时即为版本冲突。对象体带纳秒时间戳，相同 payload 也会得到新 ETag。
type StateStore struct {
	c *Client
}

var _ storage.StateStore = (*StateStore)(nil)

// NewStateStore 创建状态后端
func NewStateStore(c *Client) *StateStore {
	return &StateStore{c: c}
}

// stateObject 对象体
type stateObject struct {
	PipelineID string          `json:"pipeline_id"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (s *StateStore) objectKey(pipelineID string) string {
	return s.c.key("state", url.PathEscape(pipelineID)+".json")
}

// isMissing 对象不存在
func isMissing(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// isPreconditionFailed 条件写入失败
func isPreconditionFailed(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "PreconditionFailed" ||
		resp.StatusCode == http.StatusPreconditionFailed ||
		resp.StatusCode == http.StatusConflict
}

// GetState 读取状态
func (s *StateStore) GetState(ctx context.Context, pipelineID string) (*model.StateEntry, error) {
	obj, err := s.c.mc.GetObject(ctx, s.c.bucket, s.objectKey(pipelineID), minio.GetObjectOptions{})
	if err != nil {
		if isMissing(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isMissing(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat state: %w", err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var o stateObject
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse state object: %w", err)
	}
	return &model.StateEntry{
		PipelineID: pipelineID,
		Payload:    o.Payload,
		Version:    info.ETag,
		UpdatedAt:  o.UpdatedAt,
	}, nil
}

// SetState 条件写入
func (s *StateStore) SetState(ctx context.Context, pipelineID string, payload json.RawMessage, expectedVersion string) (string, error) {
	data, err := json.Marshal(stateObject{
		PipelineID: pipelineID,
		Payload:    payload,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if expectedVersion == "" {
		opts.SetMatchETagExcept("*")
	} else {
		opts.SetMatchETag(expectedVersion)
	}

	info, err := s.c.mc.PutObject(ctx, s.c.bucket, s.objectKey(pipelineID), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		if isPreconditionFailed(err) || (expectedVersion != "" && isMissing(err)) {
			return "", storage.ErrVersionConflict
		}
		return "", fmt.Errorf("failed to put state: %w", err)
	}
	return info.ETag, nil
}

// ClearState 删除状态
func (s *StateStore) ClearState(ctx context.Context, pipelineID string) error {
	err := s.c.mc.RemoveObject(ctx, s.c.bucket, s.objectKey(pipelineID), minio.RemoveObjectOptions{})
	if err != nil && !isMissing(err) {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}
