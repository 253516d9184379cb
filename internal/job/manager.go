// Package job 作业记录与运行锁
//
// 状态机：IDLE → RUNNING → SUCCESS | FAIL。RUNNING 记录本身就是运行锁，
// 原子性由 JobStore.AcquireJob 保证。崩溃遗留的 RUNNING 记录只能由操作员
// 通过 ForceRelease 显式释放，不会被自动回收。
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"
	"elt-runner/pkg/logging"
)

// DefaultStaleThreshold 心跳超过该时长的 RUNNING 作业视为疑似遗留
const DefaultStaleThreshold = 5 * time.Minute

// Manager 作业管理器
type Manager struct {
	store          storage.JobStore
	logger         *logging.Logger
	staleThreshold time.Duration
	now            func() time.Time
}

// Option Manager 选项
type Option func(*Manager)

// WithStaleThreshold 设置遗留判定阈值
func WithStaleThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleThreshold = d
		}
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建作业管理器
func NewManager(store storage.JobStore, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Manager{
		store:          store,
		logger:         logger,
		staleThreshold: DefaultStaleThreshold,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store 底层作业存储
func (m *Manager) Store() storage.JobStore {
	return m.store
}

// Begin 创建作业并获取运行锁
//
// 同名作业已在运行时，新建的 IDLE 记录被终结为 FAIL 以免留下孤儿记录，
// 并立即返回 *LockContentionError，不做重试。
func (m *Manager) Begin(ctx context.Context, jobName, trigger string) (*Lease, error) {
	if jobName == "" {
		return nil, fmt.Errorf("job name is required")
	}
	job := model.NewJob(jobName, trigger)
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	at := m.now()
	err := m.store.AcquireJob(ctx, job.ID, at)
	if errors.Is(err, storage.ErrLockHeld) {
		contention := &LockContentionError{JobName: jobName}
		if holder, herr := m.store.GetRunningJob(ctx, jobName); herr == nil {
			contention.Holder = holder.ID
		}
		if ferr := m.store.FinishJob(ctx, job.ID, storage.JobFinish{
			State: model.JobStateFail,
			Cause: contention.Error(),
		}); ferr != nil {
			m.logger.Warn("Failed to finalize contended job", "job_id", job.ID, "error", ferr)
		}
		m.logger.Info("Run lock contention", "job_name", jobName, "holder", contention.Holder)
		return nil, contention
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	job.State = model.JobStateRunning
	job.StartedAt = &at
	job.LastHeartbeatAt = &at
	m.logger.Info("Run lock acquired", "job_name", jobName, "job_id", job.ID)
	return newLease(m, job), nil
}

// IsStale RUNNING 作业的心跳是否已超过阈值
//
// threshold <= 0 时使用管理器的默认阈值。只用于提示操作员，不会自动释放。
func (m *Manager) IsStale(job *model.Job, threshold time.Duration) bool {
	if job == nil || job.State != model.JobStateRunning {
		return false
	}
	if threshold <= 0 {
		threshold = m.staleThreshold
	}
	return job.HeartbeatAge(m.now()) > threshold
}

// ListRunning 列出所有 RUNNING 作业
func (m *Manager) ListRunning(ctx context.Context) ([]*model.Job, error) {
	return m.store.ListJobs(ctx, storage.JobFilter{State: model.JobStateRunning})
}

// ListStale 列出疑似遗留的 RUNNING 作业
func (m *Manager) ListStale(ctx context.Context) ([]*model.Job, error) {
	running, err := m.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list running jobs: %w", err)
	}
	var stale []*model.Job
	for _, j := range running {
		if m.IsStale(j, 0) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

// ReleaseRequest 强制释放请求
type ReleaseRequest struct {
	JobName  string
	Operator string
	Reason   string
	// Confirm 操作员显式确认
	Confirm bool
}

// ForceRelease 将持有运行锁的作业终结为 FAIL
//
// 需要 Confirm 与 Operator，否则返回 ErrConfirmationRequired。
// 若原进程仍存活，它的下一次心跳或终结会得到 ErrLockLost。
func (m *Manager) ForceRelease(ctx context.Context, req ReleaseRequest) (*model.Job, error) {
	if !req.Confirm || req.Operator == "" {
		return nil, ErrConfirmationRequired
	}
	held, err := m.store.GetRunningJob(ctx, req.JobName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("no running job for %s: %w", req.JobName, err)
		}
		return nil, fmt.Errorf("failed to get running job: %w", err)
	}

	cause := fmt.Sprintf("force released by %s", req.Operator)
	if req.Reason != "" {
		cause += ": " + req.Reason
	}
	err = m.store.FinishJob(ctx, held.ID, storage.JobFinish{
		State:         model.JobStateFail,
		Cause:         cause,
		ReleasedBy:    req.Operator,
		ReleaseReason: req.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to release job %s: %w", held.ID, err)
	}

	m.logger.Warn("Run lock force released",
		"job_name", req.JobName,
		"job_id", held.ID,
		"operator", req.Operator,
		"reason", req.Reason,
		"heartbeat_age", held.HeartbeatAge(m.now()).String(),
	)
	return m.store.GetJob(ctx, held.ID)
}
