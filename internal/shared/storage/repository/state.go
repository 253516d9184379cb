// Package repository 管道增量状态的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"
)

// GetState 读取状态
func (s *Store) GetState(ctx context.Context, pipelineID string) (*model.StateEntry, error) {
	query := s.rebind(`SELECT pipeline_id, payload, version, updated_at FROM pipeline_state WHERE pipeline_id = $1`)
	entry := &model.StateEntry{}
	var payload []byte
	var version int64
	err := s.db.QueryRowContext(ctx, query, pipelineID).Scan(&entry.PipelineID, &payload, &version, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	entry.Payload = json.RawMessage(payload)
	entry.Version = strconv.FormatInt(version, 10)
	return entry, nil
}

// SetState 条件写入状态
//
// 版本号取 max(当前时间纳秒, 旧版本+1)，删除后重建也不会复用旧令牌。
func (s *Store) SetState(ctx context.Context, pipelineID string, payload json.RawMessage, expectedVersion string) (string, error) {
	now := time.Now().UTC()
	if expectedVersion == "" {
		version := now.UnixNano()
		query := s.rebind(`
			INSERT INTO pipeline_state (pipeline_id, payload, version, updated_at)
			VALUES ($1, $2::jsonb, $3, $4)
		`)
		if _, err := s.db.ExecContext(ctx, query, pipelineID, string(payload), version, now); err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return "", storage.ErrVersionConflict
			}
			return "", fmt.Errorf("failed to insert state: %w", err)
		}
		return strconv.FormatInt(version, 10), nil
	}

	expected, err := strconv.ParseInt(expectedVersion, 10, 64)
	if err != nil {
		return "", storage.ErrVersionConflict
	}
	version := now.UnixNano()
	if version <= expected {
		version = expected + 1
	}
	query := s.rebind(`
		UPDATE pipeline_state SET payload = $1::jsonb, version = $2, updated_at = $3
		WHERE pipeline_id = $4 AND version = $5
	`)
	res, err := s.db.ExecContext(ctx, query, string(payload), version, now, pipelineID, expected)
	if err != nil {
		return "", fmt.Errorf("failed to update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", storage.ErrVersionConflict
	}
	return strconv.FormatInt(version, 10), nil
}

// ClearState 删除状态
func (s *Store) ClearState(ctx context.Context, pipelineID string) error {
	query := s.rebind(`DELETE FROM pipeline_state WHERE pipeline_id = $1`)
	if _, err := s.db.ExecContext(ctx, query, pipelineID); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}
