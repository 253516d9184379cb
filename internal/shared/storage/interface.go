// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/, mongostore/, etcd/, redis/, localfs/ 以及 objstore
//   - 初始化时通过依赖注入传入实现（见 infra 包）
package storage

import (
	"context"
	"encoding/json"
	"time"

	"elt-runner/internal/shared/model"
)

// ============================================================================
// JobStore - 作业记录与运行锁
// ============================================================================

// JobFinish 作业终结参数
type JobFinish struct {
	State         model.JobState
	Cause         string
	Payload       json.RawMessage
	Flags         model.PayloadFlag
	ReleasedBy    string
	ReleaseReason string
}

// JobFilter 作业查询条件
type JobFilter struct {
	JobName string
	State   model.JobState
	Limit   int
}

// JobStore 作业存储接口
//
// 运行锁由存储层保证原子性：同一 job_name 至多一条 RUNNING 记录。
type JobStore interface {
	// CreateJob 创建 IDLE 作业
	CreateJob(ctx context.Context, job *model.Job) error

	// AcquireJob 原子地将作业从 IDLE 迁移到 RUNNING
	// 同名作业已在运行时返回 ErrLockHeld；作业不处于 IDLE 时返回 ErrConflict
	AcquireJob(ctx context.Context, id string, at time.Time) error

	// FinishJob 将非终态作业迁移到终态，终态作业返回 ErrConflict
	FinishJob(ctx context.Context, id string, fin JobFinish) error

	// UpdateJobPayload 更新 RUNNING 作业的 payload
	UpdateJobPayload(ctx context.Context, id string, payload json.RawMessage, flags model.PayloadFlag) error

	// HeartbeatJob 刷新 RUNNING 作业的心跳时间
	HeartbeatJob(ctx context.Context, id string, at time.Time) error

	// GetJob 获取作业，不存在时返回 ErrNotFound
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// GetRunningJob 获取持有运行锁的作业，不存在时返回 ErrNotFound
	GetRunningJob(ctx context.Context, jobName string) (*model.Job, error)

	// ListJobs 按创建时间倒序列出作业
	ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error)
}

// ============================================================================
// StateStore - 增量状态
// ============================================================================

// StateStore 状态存储接口
//
// 所有写入都是条件写：expectedVersion 为空表示"必须不存在"，
// 否则必须与当前版本令牌一致，不一致时返回 ErrVersionConflict 且不做任何修改。
type StateStore interface {
	// GetState 读取状态，不存在时返回 ErrNotFound
	GetState(ctx context.Context, pipelineID string) (*model.StateEntry, error)

	// SetState 条件写入状态，返回新的版本令牌
	SetState(ctx context.Context, pipelineID string, payload json.RawMessage, expectedVersion string) (string, error)

	// ClearState 删除状态，不存在时不报错
	ClearState(ctx context.Context, pipelineID string) error
}
