package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// JobStore
// ============================================================================

func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	return insertOne(ctx, s.col(ColJobs), job)
}

func (s *Store) AcquireJob(ctx context.Context, id string, at time.Time) error {
	filter := bson.D{{Key: "_id", Value: id}, {Key: "state", Value: model.JobStateIdle}}
	err := casUpdate(ctx, s.col(ColJobs), id, filter, bson.D{
		{Key: "state", Value: model.JobStateRunning},
		{Key: "started_at", Value: at},
		{Key: "last_heartbeat_at", Value: at},
		{Key: "updated_at", Value: at},
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return storage.ErrLockHeld
	}
	return err
}

func (s *Store) FinishJob(ctx context.Context, id string, fin storage.JobFinish) error {
	if !fin.State.IsTerminal() {
		return storage.ErrConflict
	}
	now := time.Now().UTC()
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "state", Value: bson.D{{Key: "$in", Value: bson.A{model.JobStateIdle, model.JobStateRunning}}}},
	}
	update := bson.D{
		{Key: "state", Value: fin.State},
		{Key: "cause", Value: fin.Cause},
		{Key: "released_by", Value: fin.ReleasedBy},
		{Key: "release_reason", Value: fin.ReleaseReason},
		{Key: "ended_at", Value: now},
		{Key: "updated_at", Value: now},
	}
	if fin.Payload != nil {
		update = append(update,
			bson.E{Key: "payload", Value: []byte(fin.Payload)},
			bson.E{Key: "payload_flags", Value: fin.Flags})
	}
	return casUpdate(ctx, s.col(ColJobs), id, filter, update)
}

func (s *Store) UpdateJobPayload(ctx context.Context, id string, payload json.RawMessage, flags model.PayloadFlag) error {
	filter := bson.D{{Key: "_id", Value: id}, {Key: "state", Value: model.JobStateRunning}}
	return casUpdate(ctx, s.col(ColJobs), id, filter, bson.D{
		{Key: "payload", Value: []byte(payload)},
		{Key: "payload_flags", Value: flags},
		{Key: "updated_at", Value: time.Now().UTC()},
	})
}

func (s *Store) HeartbeatJob(ctx context.Context, id string, at time.Time) error {
	filter := bson.D{{Key: "_id", Value: id}, {Key: "state", Value: model.JobStateRunning}}
	return casUpdate(ctx, s.col(ColJobs), id, filter, bson.D{
		{Key: "last_heartbeat_at", Value: at},
		{Key: "updated_at", Value: at},
	})
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return findOne[model.Job](ctx, s.col(ColJobs), bson.D{{Key: "_id", Value: id}})
}

func (s *Store) GetRunningJob(ctx context.Context, jobName string) (*model.Job, error) {
	return findOne[model.Job](ctx, s.col(ColJobs), bson.D{
		{Key: "job_name", Value: jobName},
		{Key: "state", Value: model.JobStateRunning},
	})
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*model.Job, error) {
	q := bson.D{}
	if filter.JobName != "" {
		q = append(q, bson.E{Key: "job_name", Value: filter.JobName})
	}
	if filter.State != "" {
		q = append(q, bson.E{Key: "state", Value: filter.State})
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return findMany[model.Job](ctx, s.col(ColJobs), q, opts)
}
