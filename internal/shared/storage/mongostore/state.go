package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// stateDoc pipeline_state 文档
type stateDoc struct {
	PipelineID string    `bson:"_id"`
	Payload    string    `bson:"payload"`
	Version    int64     `bson:"version"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func (d *stateDoc) entry() *model.StateEntry {
	return &model.StateEntry{
		PipelineID: d.PipelineID,
		Payload:    json.RawMessage(d.Payload),
		Version:    strconv.FormatInt(d.Version, 10),
		UpdatedAt:  d.UpdatedAt,
	}
}

// ============================================================================
// StateStore
// ============================================================================

func (s *Store) GetState(ctx context.Context, pipelineID string) (*model.StateEntry, error) {
	doc, err := findOne[stateDoc](ctx, s.col(ColPipelineState), bson.D{{Key: "_id", Value: pipelineID}})
	if err != nil {
		return nil, err
	}
	return doc.entry(), nil
}

// SetState 条件写入；版本号取 max(当前时间纳秒, 旧版本+1)
func (s *Store) SetState(ctx context.Context, pipelineID string, payload json.RawMessage, expectedVersion string) (string, error) {
	now := time.Now().UTC()
	version := now.UnixNano()

	if expectedVersion == "" {
		err := insertOne(ctx, s.col(ColPipelineState), &stateDoc{
			PipelineID: pipelineID,
			Payload:    string(payload),
			Version:    version,
			UpdatedAt:  now,
		})
		if errors.Is(err, storage.ErrDuplicate) {
			return "", storage.ErrVersionConflict
		}
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(version, 10), nil
	}

	expected, err := strconv.ParseInt(expectedVersion, 10, 64)
	if err != nil {
		return "", storage.ErrVersionConflict
	}
	if version <= expected {
		version = expected + 1
	}
	filter := bson.D{{Key: "_id", Value: pipelineID}, {Key: "version", Value: expected}}
	err = casUpdate(ctx, s.col(ColPipelineState), pipelineID, filter, bson.D{
		{Key: "payload", Value: string(payload)},
		{Key: "version", Value: version},
		{Key: "updated_at", Value: now},
	})
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConflict) {
		return "", storage.ErrVersionConflict
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(version, 10), nil
}

func (s *Store) ClearState(ctx context.Context, pipelineID string) error {
	_, err := s.col(ColPipelineState).DeleteOne(ctx, bson.D{{Key: "_id", Value: pipelineID}})
	return wrapError(err)
}
