// Package etcd 基于 etcd 的增量状态后端
//
// 每条管道的状态保存在 {prefix}/state/{pipeline_id}，值为带写入时间的 JSON。
// 版本令牌取 key 的 ModRevision，SetState 通过 Txn 比较 revision 实现条件写入，
// 适合多台运行器共享同一份书签的部署。
package etcd

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix 默认 key 前缀
const DefaultPrefix = "/elt"

// Store etcd 状态后端，实现 storage.StateStore
type Store struct {
	client *clientv3.Client
	prefix string
}

// Config etcd 状态后端配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string // 状态 key 前缀，末尾的 / 会被去掉
}

// NewStore 连接 etcd 并确认状态前缀可读
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints not configured")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	prefix := normalizePrefix(cfg.Prefix)

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	s := &Store{client: client, prefix: prefix}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := s.countStates(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	log.Printf("[etcd] State backend ready at %v (prefix=%s, pipelines=%d)", cfg.Endpoints, prefix, n)
	return s, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

// countStates 统计已保存状态的管道数
func (s *Store) countStates(ctx context.Context) (int64, error) {
	resp, err := s.client.Get(ctx, s.prefix+"/state/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}
