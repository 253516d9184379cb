package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"
)

// Lease 持有中的运行锁，对应一条 RUNNING 作业
type Lease struct {
	m   *Manager
	job *model.Job

	mu       sync.Mutex
	finished bool
	lost     chan struct{}
	lostOnce sync.Once

	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

func newLease(m *Manager, job *model.Job) *Lease {
	return &Lease{m: m, job: job, lost: make(chan struct{})}
}

// ID 作业 ID（即 run id）
func (l *Lease) ID() string { return l.job.ID }

// JobName 作业名
func (l *Lease) JobName() string { return l.job.JobName }

// Job 作业记录快照
func (l *Lease) Job() model.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.job
}

// Lost 锁被强制释放时关闭
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Heartbeat 刷新心跳
func (l *Lease) Heartbeat(ctx context.Context) error {
	at := l.m.now()
	start := time.Now()
	err := l.m.store.HeartbeatJob(ctx, l.job.ID, at)
	l.m.logger.HeartbeatLog(l.job.ID, time.Since(start), err)
	if err != nil {
		return l.checkLost(err)
	}
	l.mu.Lock()
	l.job.LastHeartbeatAt = &at
	l.mu.Unlock()
	return nil
}

// StartHeartbeat 按 interval 周期刷新心跳，直到 StopHeartbeat 或 ctx 结束
func (l *Lease) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	l.mu.Lock()
	if l.hbCancel != nil {
		l.mu.Unlock()
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	l.hbCancel = cancel
	l.hbDone = make(chan struct{})
	done := l.hbDone
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := l.Heartbeat(hbCtx); errors.Is(err, ErrLockLost) {
					return
				}
			}
		}
	}()
}

// StopHeartbeat 停止心跳并等待循环退出
func (l *Lease) StopHeartbeat() {
	l.mu.Lock()
	cancel, done := l.hbCancel, l.hbDone
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Checkpoint 写入运行中的部分 payload，带状态时标记为未完成
func (l *Lease) Checkpoint(ctx context.Context, payload *model.JobPayload) error {
	flags := model.PayloadFlagNone
	if payload != nil && len(payload.State) > 0 {
		flags = model.PayloadFlagIncomplete
	}
	raw := encodePayload(payload)
	if err := l.m.store.UpdateJobPayload(ctx, l.job.ID, raw, flags); err != nil {
		return l.checkLost(err)
	}
	l.mu.Lock()
	l.job.Payload = raw
	l.job.PayloadFlags = flags
	l.mu.Unlock()
	return nil
}

// Succeed RUNNING → SUCCESS
func (l *Lease) Succeed(ctx context.Context, payload *model.JobPayload) error {
	return l.finish(ctx, storage.JobFinish{
		State:   model.JobStateSuccess,
		Payload: encodePayload(payload),
		Flags:   model.PayloadFlagNone,
	})
}

// Fail RUNNING → FAIL；payload 中的状态是未完成运行的部分检查点
func (l *Lease) Fail(ctx context.Context, cause error, payload *model.JobPayload) error {
	flags := model.PayloadFlagNone
	if payload != nil && len(payload.State) > 0 {
		flags = model.PayloadFlagIncomplete
	}
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	return l.finish(ctx, storage.JobFinish{
		State:   model.JobStateFail,
		Cause:   msg,
		Payload: encodePayload(payload),
		Flags:   flags,
	})
}

func (l *Lease) finish(ctx context.Context, fin storage.JobFinish) error {
	l.StopHeartbeat()

	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return fmt.Errorf("job %s already finished: %w", l.job.ID, storage.ErrConflict)
	}
	l.mu.Unlock()

	if err := l.m.store.FinishJob(ctx, l.job.ID, fin); err != nil {
		return l.checkLost(err)
	}

	now := l.m.now()
	l.mu.Lock()
	l.finished = true
	l.job.State = fin.State
	l.job.Cause = fin.Cause
	l.job.EndedAt = &now
	if fin.Payload != nil {
		l.job.Payload = fin.Payload
		l.job.PayloadFlags = fin.Flags
	}
	l.mu.Unlock()

	l.m.logger.Info("Job finished", "job_name", l.job.JobName, "job_id", l.job.ID, "state", string(fin.State))
	return nil
}

// checkLost 条件更新因状态不符失败，说明锁已不在本进程手中
func (l *Lease) checkLost(err error) error {
	if !errors.Is(err, storage.ErrConflict) {
		return err
	}
	l.lostOnce.Do(func() {
		l.m.logger.Error("Run lock lost", "job_name", l.job.JobName, "job_id", l.job.ID)
		close(l.lost)
	})
	return fmt.Errorf("job %s: %w: %w", l.job.ID, ErrLockLost, err)
}

func encodePayload(p *model.JobPayload) json.RawMessage {
	if p == nil {
		return nil
	}
	return p.Encode()
}
