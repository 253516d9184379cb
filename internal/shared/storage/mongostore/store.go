// Package mongostore 实现基于 MongoDB 的 JobStore 与 StateStore
//
// 使用 mongo-go-driver v2，通过 bson tag 实现 model 结构体的序列化/反序列化。
// 所有 Collection 名称和索引在 ensureIndexes 中统一管理。
package mongostore

import (
	"context"
	"fmt"
	"log"
	"time"

	"elt-runner/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection 名称常量
const (
	ColJobs          = "jobs"
	ColPipelineState = "pipeline_state"
)

// Store MongoDB 驱动
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var (
	_ storage.JobStore   = (*Store)(nil)
	_ storage.StateStore = (*Store)(nil)
)

// NewStore 创建 MongoDB 存储实例
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "elt_runner"
func NewStore(uri, dbName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	// 验证连接
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{client: client, db: db}

	// 运行锁依赖部分唯一索引，索引创建失败时不能继续
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ensure indexes failed: %w", err)
	}

	log.Printf("[MongoDB] Connected to database %s", dbName)
	return s, nil
}

// Close 关闭 MongoDB 连接
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// col 获取指定 Collection
func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// ensureIndexes 创建所有必要的索引
func (s *Store) ensureIndexes(ctx context.Context) error {
	type idx struct {
		col     string
		keys    bson.D
		name    string
		unique  bool
		partial bson.D
	}

	indexes := []idx{
		// jobs：同一 job_name 至多一条 RUNNING
		{ColJobs, bson.D{{Key: "job_name", Value: 1}}, "uniq_jobs_running", true,
			bson.D{{Key: "state", Value: "RUNNING"}}},
		{ColJobs, bson.D{{Key: "job_name", Value: 1}, {Key: "created_at", Value: -1}}, "idx_jobs_name_created", false, nil},
		{ColJobs, bson.D{{Key: "state", Value: 1}}, "idx_jobs_state", false, nil},
	}

	for _, i := range indexes {
		opts := options.Index().SetName(i.name)
		if i.unique {
			opts.SetUnique(true)
		}
		if i.partial != nil {
			opts.SetPartialFilterExpression(i.partial)
		}
		model := mongo.IndexModel{Keys: i.keys, Options: opts}
		if _, err := s.col(i.col).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("create index on %s: %w", i.col, err)
		}
	}

	return nil
}
