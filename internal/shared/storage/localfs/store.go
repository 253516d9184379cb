// Package localfs 本地文件系统状态后端
//
// 每个管道一个文件：{dir}/{url.PathEscape(pipeline_id)}.json。
// 版本令牌为文件内容的 sha256；写入时持有同名 .lock 文件的 flock，
// 先写临时文件再 rename，读者永远看不到半写状态。
package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"
)

// Store 本地文件状态存储
type Store struct {
	dir string
}

var _ storage.StateStore = (*Store)(nil)

// stateFile 落盘格式
type stateFile struct {
	PipelineID string          `json:"pipeline_id"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewStore 创建本地文件状态存储，目录不存在时自动创建
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir 返回状态目录
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(pipelineID string) string {
	return filepath.Join(s.dir, url.PathEscape(pipelineID)+".json")
}

func token(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GetState 读取状态
func (s *Store) GetState(_ context.Context, pipelineID string) (*model.StateEntry, error) {
	data, err := os.ReadFile(s.path(pipelineID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &model.StateEntry{
		PipelineID: pipelineID,
		Payload:    f.Payload,
		Version:    token(data),
		UpdatedAt:  f.UpdatedAt,
	}, nil
}

// SetState 条件写入
//
// 文件内容含纳秒级 updated_at，即使 payload 相同令牌也会变化。
func (s *Store) SetState(_ context.Context, pipelineID string, payload json.RawMessage, expectedVersion string) (string, error) {
	unlock, err := s.lock(pipelineID)
	if err != nil {
		return "", err
	}
	defer unlock()

	target := s.path(pipelineID)
	current, err := os.ReadFile(target)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read state: %w", err)
	}
	if expectedVersion == "" && exists {
		return "", storage.ErrVersionConflict
	}
	if expectedVersion != "" && (!exists || token(current) != expectedVersion) {
		return "", storage.ErrVersionConflict
	}

	data, err := json.Marshal(stateFile{
		PipelineID: pipelineID,
		Payload:    payload,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("failed to replace state: %w", err)
	}
	return token(data), nil
}

// ClearState 删除状态
func (s *Store) ClearState(_ context.Context, pipelineID string) error {
	unlock, err := s.lock(pipelineID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.path(pipelineID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}

// lock 对 {pipeline}.lock 加排他 flock，跨进程有效
func (s *Store) lock(pipelineID string) (func(), error) {
	f, err := os.OpenFile(filepath.Join(s.dir, url.PathEscape(pipelineID)+".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open state lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock state: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
