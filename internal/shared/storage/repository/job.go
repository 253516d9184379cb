// Package repository Job 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"
)

const jobColumns = `id, job_name, state, trigger_source, started_at, ended_at, last_heartbeat_at,
	payload, payload_flags, cause, released_by, release_reason, created_at, updated_at`

// CreateJob 创建 Job
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	query := s.rebind(`
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14)
	`)
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.JobName, job.State, job.Trigger, job.StartedAt, job.EndedAt, job.LastHeartbeatAt,
		jsonArg(job.Payload), job.PayloadFlags, job.Cause, job.ReleasedBy, job.ReleaseReason,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// AcquireJob IDLE → RUNNING
//
// 原子性由部分唯一索引 uniq_jobs_running 保证，并发调用者中只有一个 UPDATE 能成功。
func (s *Store) AcquireJob(ctx context.Context, id string, at time.Time) error {
	query := s.rebind(`
		UPDATE jobs SET state = $1, started_at = $2, last_heartbeat_at = $3, updated_at = $4
		WHERE id = $5 AND state = $6
	`)
	res, err := s.db.ExecContext(ctx, query,
		model.JobStateRunning, at, at, at, id, model.JobStateIdle)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return storage.ErrLockHeld
		}
		return fmt.Errorf("failed to acquire job: %w", err)
	}
	return s.checkJobCAS(ctx, res, id)
}

// FinishJob 非终态 → 终态
func (s *Store) FinishJob(ctx context.Context, id string, fin storage.JobFinish) error {
	if !fin.State.IsTerminal() {
		return storage.ErrConflict
	}
	now := time.Now().UTC()
	var (
		res sql.Result
		err error
	)
	if fin.Payload != nil {
		query := s.rebind(`
			UPDATE jobs SET state = $1, cause = $2, released_by = $3, release_reason = $4,
				ended_at = $5, updated_at = $6, payload = $7::jsonb, payload_flags = $8
			WHERE id = $9 AND state IN ('IDLE', 'RUNNING')
		`)
		res, err = s.db.ExecContext(ctx, query,
			fin.State, fin.Cause, fin.ReleasedBy, fin.ReleaseReason, now, now,
			jsonArg(fin.Payload), fin.Flags, id)
	} else {
		query := s.rebind(`
			UPDATE jobs SET state = $1, cause = $2, released_by = $3, release_reason = $4,
				ended_at = $5, updated_at = $6
			WHERE id = $7 AND state IN ('IDLE', 'RUNNING')
		`)
		res, err = s.db.ExecContext(ctx, query,
			fin.State, fin.Cause, fin.ReleasedBy, fin.ReleaseReason, now, now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return s.checkJobCAS(ctx, res, id)
}

// UpdateJobPayload 更新 RUNNING 作业的 payload
func (s *Store) UpdateJobPayload(ctx context.Context, id string, payload json.RawMessage, flags model.PayloadFlag) error {
	query := s.rebind(`
		UPDATE jobs SET payload = $1::jsonb, payload_flags = $2, updated_at = $3
		WHERE id = $4 AND state = $5
	`)
	res, err := s.db.ExecContext(ctx, query,
		jsonArg(payload), flags, time.Now().UTC(), id, model.JobStateRunning)
	if err != nil {
		return fmt.Errorf("failed to update job payload: %w", err)
	}
	return s.checkJobCAS(ctx, res, id)
}

// HeartbeatJob 刷新心跳
func (s *Store) HeartbeatJob(ctx context.Context, id string, at time.Time) error {
	query := s.rebind(`
		UPDATE jobs SET last_heartbeat_at = $1, updated_at = $2
		WHERE id = $3 AND state = $4
	`)
	res, err := s.db.ExecContext(ctx, query, at, at, id, model.JobStateRunning)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	return s.checkJobCAS(ctx, res, id)
}

// GetJob 获取 Job
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return job, err
}

// GetRunningJob 获取持有运行锁的 Job
func (s *Store) GetRunningJob(ctx context.Context, jobName string) (*model.Job, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE job_name = $1 AND state = $2`)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobName, model.JobStateRunning))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return job, err
}

// ListJobs 列出 Job，按创建时间倒序
func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var args []interface{}
	if filter.JobName != "" {
		args = append(args, filter.JobName)
		query += fmt.Sprintf(" AND job_name = $%d", len(args))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// checkJobCAS 条件更新未命中时区分记录不存在与状态冲突
func (s *Store) checkJobCAS(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	ok, err := s.exists(ctx, `SELECT 1 FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

// scanJob 辅助函数
func scanJob(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Job, error) {
	job := &model.Job{}
	var payload NullableJSON
	err := scanner.Scan(
		&job.ID, &job.JobName, &job.State, &job.Trigger, &job.StartedAt, &job.EndedAt,
		&job.LastHeartbeatAt, &payload.Data, &job.PayloadFlags, &job.Cause, &job.ReleasedBy,
		&job.ReleaseReason, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Payload = payload.Value()
	return job, nil
}

// scanJobs 批量扫描
func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
