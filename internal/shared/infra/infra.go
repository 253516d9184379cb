// Package infra 基础设施聚合层
//
// 根据配置创建并聚合运行所需的依赖：
//   - Jobs：作业记录与运行锁（SQLite / PostgreSQL / MongoDB）
//   - States：增量状态后端（db / local / s3 / etcd / redis / memory）
//   - Redis：可选，状态后端或运行日志流
//   - Objects：可选，MinIO 状态后端或日志归档
package infra

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"elt-runner/internal/config"
	"elt-runner/internal/shared/objstore"
	"elt-runner/internal/shared/storage"
	"elt-runner/internal/shared/storage/dbutil"
	pgdriver "elt-runner/internal/shared/storage/driver/postgres"
	sqlitedriver "elt-runner/internal/shared/storage/driver/sqlite"
	etcdstore "elt-runner/internal/shared/storage/etcd"
	"elt-runner/internal/shared/storage/localfs"
	"elt-runner/internal/shared/storage/mongostore"
	redisstore "elt-runner/internal/shared/storage/redis"
	"elt-runner/internal/shared/storage/repository"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Jobs 作业记录与运行锁
	Jobs storage.JobStore

	// States 增量状态后端
	States storage.StateStore

	// Redis 未启用时为 nil
	Redis *redisstore.Store

	// Objects MinIO 客户端，未启用时为 nil
	Objects *objstore.Client

	closers []io.Closer
}

// LogStream 运行日志流，未启用时为 nil
func (i *Infrastructure) LogStream(cfg *config.Config) *redisstore.Store {
	if i.Redis == nil || !cfg.Redis.LogStream {
		return nil
	}
	return i.Redis
}

// Archiver 日志归档，未启用时为 nil
func (i *Infrastructure) Archiver(cfg *config.Config) *objstore.Client {
	if i.Objects == nil || !cfg.MinIO.ArchiveLogs {
		return nil
	}
	return i.Objects
}

// New 按配置初始化基础设施，失败时关闭已建立的连接
func New(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{}
	if err := infra.init(ctx, cfg); err != nil {
		infra.Close()
		return nil, err
	}
	return infra, nil
}

func (i *Infrastructure) init(ctx context.Context, cfg *config.Config) error {
	dbStates, err := i.openJobs(cfg)
	if err != nil {
		return err
	}

	if cfg.State.Backend == config.StateBackendRedis || cfg.Redis.LogStream {
		rs, err := NewRedis(cfg)
		if err != nil {
			return err
		}
		i.Redis = rs
		i.closers = append(i.closers, rs)
	}

	if cfg.State.Backend == config.StateBackendS3 || cfg.MinIO.ArchiveLogs {
		client, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			return err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to prepare bucket: %w", err)
		}
		i.Objects = client
	}

	switch cfg.State.Backend {
	case config.StateBackendDB:
		i.States = dbStates
	case config.StateBackendLocal:
		store, err := localfs.NewStore(cfg.State.LocalDir)
		if err != nil {
			return err
		}
		i.States = store
	case config.StateBackendS3:
		i.States = objstore.NewStateStore(i.Objects)
	case config.StateBackendEtcd:
		store, err := etcdstore.NewStore(etcdstore.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Prefix:      cfg.Etcd.Prefix,
		})
		if err != nil {
			return err
		}
		i.closers = append(i.closers, store)
		i.States = store
	case config.StateBackendRedis:
		i.States = i.Redis
	case config.StateBackendMemory:
		i.States = storage.NewMemoryStateStore()
	default:
		return fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}

	log.Printf("[Infra] Jobs: %s, State: %s", cfg.DatabaseDriver, cfg.State.Backend)
	return nil
}

// openJobs 打开作业库；返回同库的状态存储供 db 后端使用
func (i *Infrastructure) openJobs(cfg *config.Config) (storage.StateStore, error) {
	switch cfg.DatabaseDriver {
	case "mongodb":
		name := cfg.DatabaseName
		if name == "" {
			name = "elt_runner"
		}
		store, err := mongostore.NewStore(cfg.DatabaseURL, name)
		if err != nil {
			return nil, err
		}
		i.closers = append(i.closers, store)
		i.Jobs = store
		return store, nil
	case "postgres":
		db, err := pgdriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return i.openRepository(db, pgdriver.NewDialect())
	case "sqlite", "":
		dsn := config.SQLiteDSN(cfg.DatabaseURL)
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
		db, err := sqlitedriver.Open(dsn)
		if err != nil {
			return nil, err
		}
		return i.openRepository(db, sqlitedriver.NewDialect())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

func (i *Infrastructure) openRepository(db *sql.DB, dialect dbutil.Dialect) (storage.StateStore, error) {
	store := repository.NewStore(db, dialect)
	i.closers = append(i.closers, store)
	if err := dialect.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate %s schema: %w", dialect.DriverType(), err)
	}
	i.Jobs = store
	return store, nil
}

// ensureSQLiteDir 为文件型 DSN 创建父目录
func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database dir: %w", err)
	}
	return nil
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error
	for j := len(i.closers) - 1; j >= 0; j-- {
		if err := i.closers[j].Close(); err != nil {
			lastErr = err
		}
	}
	i.closers = nil
	return lastErr
}
