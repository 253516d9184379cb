// Package infra Redis 基础设施初始化
package infra

import (
	"fmt"

	"elt-runner/internal/config"
	redisstore "elt-runner/internal/shared/storage/redis"
)

// NewRedis 从配置创建 Redis 存储，优先使用 REDIS_URL
func NewRedis(cfg *config.Config) (*redisstore.Store, error) {
	var (
		store *redisstore.Store
		err   error
	)
	if cfg.RedisURL != "" {
		store, err = redisstore.NewStoreFromURL(cfg.RedisURL)
	} else {
		store, err = redisstore.NewStore(
			fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port), cfg.Redis.Password, cfg.Redis.DB)
	}
	if err != nil {
		return nil, err
	}
	return store.WithPrefix(cfg.Redis.Prefix), nil
}
