// Package storage 提供存储层抽象
//
// memory.go 提供进程内实现，用于测试和单机试运行
package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"elt-runner/internal/shared/model"
)

// ============================================================================
// MemoryJobStore
// ============================================================================

// MemoryJobStore 进程内作业存储
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

// NewMemoryJobStore 创建进程内作业存储
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*model.Job)}
}

var _ JobStore = (*MemoryJobStore)(nil)

func cloneJob(j *model.Job) *model.Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	return &c
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicate
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) AcquireJob(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != model.JobStateIdle {
		return ErrConflict
	}
	for _, other := range s.jobs {
		if other.JobName == j.JobName && other.State == model.JobStateRunning {
			return ErrLockHeld
		}
	}
	j.State = model.JobStateRunning
	j.StartedAt = &at
	j.LastHeartbeatAt = &at
	j.UpdatedAt = at
	return nil
}

func (s *MemoryJobStore) FinishJob(_ context.Context, id string, fin JobFinish) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State.IsTerminal() || !fin.State.IsTerminal() {
		return ErrConflict
	}
	now := time.Now().UTC()
	j.State = fin.State
	j.Cause = fin.Cause
	if fin.Payload != nil {
		j.Payload = append(json.RawMessage(nil), fin.Payload...)
		j.PayloadFlags = fin.Flags
	}
	j.ReleasedBy = fin.ReleasedBy
	j.ReleaseReason = fin.ReleaseReason
	j.EndedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *MemoryJobStore) UpdateJobPayload(_ context.Context, id string, payload json.RawMessage, flags model.PayloadFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != model.JobStateRunning {
		return ErrConflict
	}
	j.Payload = append(json.RawMessage(nil), payload...)
	j.PayloadFlags = flags
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryJobStore) HeartbeatJob(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != model.JobStateRunning {
		return ErrConflict
	}
	j.LastHeartbeatAt = &at
	j.UpdatedAt = at
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryJobStore) GetRunningJob(_ context.Context, jobName string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.JobName == jobName && j.State == model.JobStateRunning {
			return cloneJob(j), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryJobStore) ListJobs(_ context.Context, filter JobFilter) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Job
	for _, j := range s.jobs {
		if filter.JobName != "" && j.JobName != filter.JobName {
			continue
		}
		if filter.State != "" && j.State != filter.State {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ============================================================================
// MemoryStateStore
// ============================================================================

// MemoryStateStore 进程内状态存储，版本令牌为递增序号
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]*model.StateEntry
	seq     int64
}

// NewMemoryStateStore 创建进程内状态存储
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]*model.StateEntry)}
}

var _ StateStore = (*MemoryStateStore)(nil)

func (s *MemoryStateStore) GetState(_ context.Context, pipelineID string) (*model.StateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pipelineID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c, nil
}

func (s *MemoryStateStore) SetState(_ context.Context, pipelineID string, payload json.RawMessage, expectedVersion string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[pipelineID]
	switch {
	case expectedVersion == "" && ok:
		return "", ErrVersionConflict
	case expectedVersion != "" && (!ok || current.Version != expectedVersion):
		return "", ErrVersionConflict
	}
	s.seq++
	version := strconv.FormatInt(s.seq, 10)
	s.entries[pipelineID] = &model.StateEntry{
		PipelineID: pipelineID,
		Payload:    append(json.RawMessage(nil), payload...),
		Version:    version,
		UpdatedAt:  time.Now().UTC(),
	}
	return version, nil
}

func (s *MemoryStateStore) ClearState(_ context.Context, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, pipelineID)
	return nil
}
