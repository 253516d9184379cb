// Package storagetest 存储后端一致性测试套件
//
// 每个 StateStore / JobStore 实现在自己的测试中调用这里的 Run* 函数，
// 保证各后端对版本令牌和运行锁的语义完全一致。
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uniqueID 生成测试用唯一 ID，避免外部后端的残留数据干扰
func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// ============================================================================
// StateStore 套件
// ============================================================================

// RunStateStore 运行 StateStore 一致性测试
func RunStateStore(t *testing.T, newStore func(t *testing.T) storage.StateStore) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetState(context.Background(), uniqueID("missing"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uniqueID("orders-sync")

		v1, err := s.SetState(ctx, id, json.RawMessage(`{"bookmark":1000}`), "")
		require.NoError(t, err)
		assert.NotEmpty(t, v1)

		got, err := s.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.PipelineID)
		assert.JSONEq(t, `{"bookmark":1000}`, string(got.Payload))
		assert.Equal(t, v1, got.Version)
	})

	t.Run("CreateExistingConflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uniqueID("dup")

		_, err := s.SetState(ctx, id, json.RawMessage(`{"n":1}`), "")
		require.NoError(t, err)
		_, err = s.SetState(ctx, id, json.RawMessage(`{"n":2}`), "")
		assert.ErrorIs(t, err, storage.ErrVersionConflict)

		got, err := s.GetState(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	})

	t.Run("StaleTokenRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uniqueID("stale")

		v1, err := s.SetState(ctx, id, json.RawMessage(`{"n":1}`), "")
		require.NoError(t, err)
		v2, err := s.SetState(ctx, id, json.RawMessage(`{"n":2}`), v1)
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2)

		_, err = s.SetState(ctx, id, json.RawMessage(`{"n":3}`), v1)
		assert.ErrorIs(t, err, storage.ErrVersionConflict)

		got, err := s.GetState(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":2}`, string(got.Payload))
		assert.Equal(t, v2, got.Version)

		v3, err := s.SetState(ctx, id, json.RawMessage(`{"n":3}`), v2)
		require.NoError(t, err)
		assert.NotEqual(t, v2, v3)
	})

	t.Run("ExpectedVersionOnMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SetState(context.Background(), uniqueID("absent"), json.RawMessage(`{}`), "42")
		assert.ErrorIs(t, err, storage.ErrVersionConflict)
	})

	t.Run("Clear", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uniqueID("clear")

		_, err := s.SetState(ctx, id, json.RawMessage(`{"n":1}`), "")
		require.NoError(t, err)
		require.NoError(t, s.ClearState(ctx, id))

		_, err = s.GetState(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, s.ClearState(ctx, id))

		_, err = s.SetState(ctx, id, json.RawMessage(`{"n":2}`), "")
		assert.NoError(t, err)
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uniqueID("race")

		v1, err := s.SetState(ctx, id, json.RawMessage(`{"n":0}`), "")
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		var wins, conflicts int
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				payload, _ := json.Marshal(map[string]int{"n": i + 1})
				_, err := s.SetState(ctx, id, payload, v1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, storage.ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
	})
}

// ============================================================================
// JobStore 套件
// ============================================================================

// RunJobStore 运行 JobStore 一致性测试
func RunJobStore(t *testing.T, newStore func(t *testing.T) storage.JobStore) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := model.NewJob(uniqueID("pipe"), "manual")
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.JobName, got.JobName)
		assert.Equal(t, model.JobStateIdle, got.State)
		assert.Equal(t, "manual", got.Trigger)
		assert.Nil(t, got.StartedAt)

		_, err = s.GetJob(ctx, uniqueID("nope"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("AcquireIsExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		name := uniqueID("pipe")

		first := model.NewJob(name, "manual")
		second := model.NewJob(name, "manual")
		other := model.NewJob(uniqueID("pipe"), "manual")
		for _, j := range []*model.Job{first, second, other} {
			require.NoError(t, s.CreateJob(ctx, j))
		}

		now := time.Now().UTC()
		require.NoError(t, s.AcquireJob(ctx, first.ID, now))
		assert.ErrorIs(t, s.AcquireJob(ctx, second.ID, now), storage.ErrLockHeld)
		assert.NoError(t, s.AcquireJob(ctx, other.ID, now))

		running, err := s.GetRunningJob(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, first.ID, running.ID)
		assert.NotNil(t, running.StartedAt)

		// 已 RUNNING 的作业不能再次获取
		assert.ErrorIs(t, s.AcquireJob(ctx, first.ID, now), storage.ErrConflict)
	})

	t.Run("ConcurrentAcquireOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		name := uniqueID("orders-sync")

		const callers = 6
		jobs := make([]*model.Job, callers)
		for i := range jobs {
			jobs[i] = model.NewJob(name, "schedule")
			require.NoError(t, s.CreateJob(ctx, jobs[i]))
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var wins, held int
		for _, j := range jobs {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				err := s.AcquireJob(ctx, id, time.Now().UTC())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, storage.ErrLockHeld):
					held++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(j.ID)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, callers-1, held)
	})

	t.Run("FinishIsTerminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		name := uniqueID("pipe")
		job := model.NewJob(name, "manual")
		require.NoError(t, s.CreateJob(ctx, job))
		require.NoError(t, s.AcquireJob(ctx, job.ID, time.Now().UTC()))

		require.NoError(t, s.FinishJob(ctx, job.ID, storage.JobFinish{
			State:   model.JobStateSuccess,
			Payload: json.RawMessage(`{"state":{"bookmark":1}}`),
		}))
		assert.ErrorIs(t, s.FinishJob(ctx, job.ID, storage.JobFinish{State: model.JobStateFail}), storage.ErrConflict)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateSuccess, got.State)
		assert.NotNil(t, got.EndedAt)
		assert.JSONEq(t, `{"state":{"bookmark":1}}`, string(got.Payload))

		_, err = s.GetRunningJob(ctx, name)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// 锁已释放，新作业可以获取
		next := model.NewJob(name, "manual")
		require.NoError(t, s.CreateJob(ctx, next))
		assert.NoError(t, s.AcquireJob(ctx, next.ID, time.Now().UTC()))
	})

	t.Run("IdleCanFail", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := model.NewJob(uniqueID("pipe"), "manual")
		require.NoError(t, s.CreateJob(ctx, job))
		require.NoError(t, s.FinishJob(ctx, job.ID, storage.JobFinish{
			State: model.JobStateFail,
			Cause: "lock contention",
		}))
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateFail, got.State)
		assert.Equal(t, "lock contention", got.Cause)
	})

	t.Run("PayloadAndHeartbeat", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := model.NewJob(uniqueID("pipe"), "manual")
		require.NoError(t, s.CreateJob(ctx, job))

		// IDLE 作业不接受 payload 与心跳
		assert.ErrorIs(t, s.HeartbeatJob(ctx, job.ID, time.Now().UTC()), storage.ErrConflict)

		require.NoError(t, s.AcquireJob(ctx, job.ID, time.Now().UTC().Add(-time.Minute)))
		require.NoError(t, s.UpdateJobPayload(ctx, job.ID, json.RawMessage(`{"state":{"bookmark":10}}`), model.PayloadFlagIncomplete))
		beat := time.Now().UTC()
		require.NoError(t, s.HeartbeatJob(ctx, job.ID, beat))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PayloadFlagIncomplete, got.PayloadFlags)
		assert.JSONEq(t, `{"state":{"bookmark":10}}`, string(got.Payload))
		require.NotNil(t, got.LastHeartbeatAt)
		assert.WithinDuration(t, beat, *got.LastHeartbeatAt, 2*time.Second)

		// 终结时不带 payload 则保留原 payload
		require.NoError(t, s.FinishJob(ctx, job.ID, storage.JobFinish{
			State:         model.JobStateFail,
			Cause:         "released",
			ReleasedBy:    "ops",
			ReleaseReason: "host lost",
		}))
		got, err = s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"state":{"bookmark":10}}`, string(got.Payload))
		assert.Equal(t, "ops", got.ReleasedBy)
		assert.Equal(t, "host lost", got.ReleaseReason)

		assert.ErrorIs(t, s.UpdateJobPayload(ctx, job.ID, json.RawMessage(`{}`), model.PayloadFlagNone), storage.ErrConflict)
	})

	t.Run("ListJobs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		name := uniqueID("pipe")
		base := time.Now().UTC().Add(-time.Hour)
		var ids []string
		for i := 0; i < 3; i++ {
			j := model.NewJob(name, "manual")
			j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			j.UpdatedAt = j.CreatedAt
			require.NoError(t, s.CreateJob(ctx, j))
			ids = append(ids, j.ID)
		}
		require.NoError(t, s.AcquireJob(ctx, ids[2], time.Now().UTC()))

		all, err := s.ListJobs(ctx, storage.JobFilter{JobName: name})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, ids[2], all[0].ID)
		assert.Equal(t, ids[0], all[2].ID)

		running, err := s.ListJobs(ctx, storage.JobFilter{JobName: name, State: model.JobStateRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, ids[2], running[0].ID)

		limited, err := s.ListJobs(ctx, storage.JobFilter{JobName: name, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}
