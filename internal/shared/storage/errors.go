// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore/etcd/redis/localfs/objstore）负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments / redis.Nil
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突（乐观锁失败、状态 CAS 失败）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrVersionConflict 状态版本令牌不匹配
	ErrVersionConflict = ErrConflict

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")

	// ErrLockHeld 同名作业已有 RUNNING 记录
	ErrLockHeld = errors.New("lock held: job already running")
)
