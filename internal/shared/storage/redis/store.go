// Package redis Redis 存储实现
//
// 提供两类能力：
//   - StateStore：以 WATCH/MULTI 实现条件写入的状态后端
//   - 运行日志流：以 Redis Streams 镜像每次运行的进程输出
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix 默认 key 前缀
const DefaultPrefix = "elt:"

// Store Redis 存储层
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore 创建 Redis 存储实例
func NewStore(addr, password string, db int) (*Store, error) {
	return newStore(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewStoreFromURL 从 URL 创建 Redis 存储实例
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return newStore(opts)
}

func newStore(opts *redis.Options) (*Store, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis] Connected to %s", opts.Addr)
	return &Store{client: client, prefix: DefaultPrefix}, nil
}

// WithPrefix 设置 key 前缀
func (s *Store) WithPrefix(prefix string) *Store {
	if prefix != "" {
		s.prefix = prefix
	}
	return s
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}
