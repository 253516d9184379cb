// Package model 定义核心数据模型
//
// state.go 包含增量复制状态的数据模型
package model

import (
	"encoding/json"
	"time"
)

// StateEntry 管道的增量状态
//
// Version 是不透明的版本令牌，由各后端自行生成（行版本号、ETag、
// ModRevision、内容哈希），调用方只做等值比较。
type StateEntry struct {
	PipelineID string          `json:"pipeline_id"`
	Payload    json.RawMessage `json:"payload"`
	Version    string          `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
