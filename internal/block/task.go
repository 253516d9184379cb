// Package block 将插件进程封装为 IO Block，并把多个 Block 串成一条管道
//
// 架构关系：
//
//	extractor.stdout ──copy──▶ mapper.stdin
//	mapper.stdout    ──copy──▶ loader.stdin
//	loader.stdout    ──copy──▶ Output（日志 + 状态提取）
//	*.stderr         ──copy──▶ Stderr(block)
//
// 文件组织：
//   - task.go: Task 接口（受管外部任务）与 ExitStatus
//   - process.go: 基于 os/exec 的真实进程实现
//   - fake.go: 内存实现，用于测试管道逻辑
//   - block.go: IOBlock
//   - set.go: Set，串联、失败传播、取消
//   - errors.go: StreamError、CancelledError、BlockExecutionError
package block

import (
	"context"
	"fmt"
	"io"
)

// Task 受管外部任务
//
// Start 之后 Stdin/Stdout/Stderr 可用；Wait 阻塞到任务退出，可重复调用。
// Terminate 请求优雅退出，Kill 强制结束；两者对已退出的任务均为空操作。
type Task interface {
	Name() string
	Start(ctx context.Context) error
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Wait() ExitStatus
	Terminate() error
	Kill() error
	Pid() int
}

// ExitStatus 任务退出状态
type ExitStatus struct {
	// Code 退出码；被信号结束时为 -1
	Code int `json:"code"`
	// Signal 结束任务的信号名
	Signal string `json:"signal,omitempty"`
	// Err 等待过程中的其他错误
	Err error `json:"-"`
}

// Success 是否正常退出且退出码为 0
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return "killed by signal " + s.Signal
	case s.Err != nil:
		return fmt.Sprintf("exit %d: %v", s.Code, s.Err)
	default:
		return fmt.Sprintf("exit %d", s.Code)
	}
}
