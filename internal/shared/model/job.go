// Package model 定义核心数据模型
//
// job.go 包含作业记录相关的数据模型定义：
//   - Job：一次 ELT 运行的持久化记录，RUNNING 状态即运行锁
//   - JobState：作业状态枚举
//   - JobPayload：作业附带的状态检查点与 Block 退出信息
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// JobState - 作业状态
// ============================================================================

// JobState 作业状态
//
// 状态机：IDLE → RUNNING → SUCCESS | FAIL；IDLE → FAIL（抢锁失败）。
// 终态不可再变更。
type JobState string

const (
	// JobStateIdle 已创建，尚未取得运行锁
	JobStateIdle JobState = "IDLE"

	// JobStateRunning 运行中，同一 job_name 至多一条
	JobStateRunning JobState = "RUNNING"

	// JobStateSuccess 成功结束
	JobStateSuccess JobState = "SUCCESS"

	// JobStateFail 失败结束（含被强制释放）
	JobStateFail JobState = "FAIL"
)

// IsTerminal 是否为终态
func (s JobState) IsTerminal() bool {
	return s == JobStateSuccess || s == JobStateFail
}

// IsValid 是否为合法状态
func (s JobState) IsValid() bool {
	switch s {
	case JobStateIdle, JobStateRunning, JobStateSuccess, JobStateFail:
		return true
	}
	return false
}

// PayloadFlag 作业 payload 标记
type PayloadFlag int

const (
	// PayloadFlagNone payload 中无状态或状态完整
	PayloadFlagNone PayloadFlag = 0

	// PayloadFlagIncomplete payload 中的状态是未完成运行的部分检查点
	PayloadFlagIncomplete PayloadFlag = 1
)

// ============================================================================
// Job - 作业记录
// ============================================================================

// Job 一次管道运行的作业记录
//
// 历史记录只会被后续运行取代，不会被删除。
type Job struct {
	ID              string          `json:"id" bson:"_id"`
	JobName         string          `json:"job_name" bson:"job_name"`
	State           JobState        `json:"state" bson:"state"`
	Trigger         string          `json:"trigger,omitempty" bson:"trigger,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty" bson:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty" bson:"last_heartbeat_at,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
	PayloadFlags    PayloadFlag     `json:"payload_flags" bson:"payload_flags"`
	Cause           string          `json:"cause,omitempty" bson:"cause,omitempty"`
	ReleasedBy      string          `json:"released_by,omitempty" bson:"released_by,omitempty"`
	ReleaseReason   string          `json:"release_reason,omitempty" bson:"release_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" bson:"updated_at"`
}

// NewJob 创建 IDLE 状态的作业记录
func NewJob(jobName, trigger string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		JobName:   jobName,
		State:     JobStateIdle,
		Trigger:   trigger,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HeartbeatAge 距最近一次心跳的时长；从未心跳时以 StartedAt 计
func (j *Job) HeartbeatAge(now time.Time) time.Duration {
	switch {
	case j.LastHeartbeatAt != nil:
		return now.Sub(*j.LastHeartbeatAt)
	case j.StartedAt != nil:
		return now.Sub(*j.StartedAt)
	default:
		return now.Sub(j.CreatedAt)
	}
}

// DecodePayload 解析 payload
func (j *Job) DecodePayload() (*JobPayload, error) {
	p := &JobPayload{}
	if len(j.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(j.Payload, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ============================================================================
// JobPayload - 作业 payload
// ============================================================================

// JobPayload 作业附带数据
type JobPayload struct {
	// State 最近一次状态检查点（失败运行中为部分状态）
	State json.RawMessage `json:"state,omitempty"`
	// Blocks 每个 Block 的退出情况
	Blocks []BlockExit `json:"blocks,omitempty"`
	// FullRefresh 本次运行是否忽略已存状态
	FullRefresh bool `json:"full_refresh,omitempty"`
}

// BlockExit 单个 Block 的退出信息
type BlockExit struct {
	Name       string `json:"name"`
	Plugin     string `json:"plugin,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Signalled  bool   `json:"signalled,omitempty"`
	Primary    bool   `json:"primary,omitempty"`
	// NotStarted 进程未启动（配置或调用失败，或前序插件失败）
	NotStarted bool   `json:"not_started,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Encode 序列化 payload
func (p *JobPayload) Encode() json.RawMessage {
	b, _ := json.Marshal(p)
	return b
}
