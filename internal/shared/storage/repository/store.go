// Package repository 数据库无关的作业与状态存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
//
// 注意：SQLite 的 ? 占位符按出现顺序绑定，因此同一条 SQL 中 $N 不可重复使用。
package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"elt-runner/internal/shared/storage"
	"elt-runner/internal/shared/storage/dbutil"
)

// Store 通用存储实现
// 同时实现 storage.JobStore 与 storage.StateStore（关系行后端）
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

var (
	_ storage.JobStore   = (*Store)(nil)
	_ storage.StateStore = (*Store)(nil)
)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// exists 判断某表中主键是否存在，用于区分 CAS 失败与记录不存在
func (s *Store) exists(ctx context.Context, query string, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(query), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// jsonArg 将 JSON 转为 SQL 参数，nil 写入 NULL
func jsonArg(v json.RawMessage) interface{} {
	if v == nil {
		return nil
	}
	return string(v)
}

// NullableJSON 用于安全扫描可能为 NULL 的 JSON 字段
// database/sql 无法直接将 NULL scan 到 json.RawMessage，需要通过 *[]byte 中间变量
type NullableJSON struct {
	Data *[]byte
}

// Value 返回 json.RawMessage（如果非 NULL）
func (n *NullableJSON) Value() json.RawMessage {
	if n.Data != nil {
		return json.RawMessage(*n.Data)
	}
	return nil
}
