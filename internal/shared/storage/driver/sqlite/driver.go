// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单机部署场景。
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"elt-runner/internal/shared/storage/dbutil"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:elt.db?cache=shared&mode=rwc" 或 ":memory:"
//
// 连接数固定为 1：SQLite 写入本身串行，且 :memory: 库按连接隔离。
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 版本）
const schema = `
-- jobs
CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(64) PRIMARY KEY,
    job_name VARCHAR(255) NOT NULL,
    state VARCHAR(16) NOT NULL DEFAULT 'IDLE',
    trigger_source VARCHAR(64) NOT NULL DEFAULT '',
    started_at DATETIME,
    ended_at DATETIME,
    last_heartbeat_at DATETIME,
    payload TEXT,
    payload_flags INTEGER NOT NULL DEFAULT 0,
    cause TEXT NOT NULL DEFAULT '',
    released_by VARCHAR(255) NOT NULL DEFAULT '',
    release_reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- 运行锁：同一 job_name 至多一条 RUNNING 记录
CREATE UNIQUE INDEX IF NOT EXISTS uniq_jobs_running ON jobs(job_name) WHERE state = 'RUNNING';
CREATE INDEX IF NOT EXISTS idx_jobs_name_created ON jobs(job_name, created_at);

-- pipeline_state
CREATE TABLE IF NOT EXISTS pipeline_state (
    pipeline_id VARCHAR(255) PRIMARY KEY,
    payload TEXT NOT NULL,
    version INTEGER NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`
