package block

import (
	"errors"
	"fmt"
	"strings"
)

// ExitError Block 非零退出
type ExitError struct {
	Block  string
	Status ExitStatus
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("block %s failed: %s", e.Block, e.Status)
}

// StartError Block 启动失败
type StartError struct {
	Block string
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("block %s failed to start: %v", e.Block, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StreamError 运行中途断流（broken pipe、读错误），视为所属 Block 失败
type StreamError struct {
	Block string
	// Op read 或 write
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("block %s: stream %s failed: %v", e.Block, e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// CancelledError 外部取消（超时或人工中止）
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return "run cancelled"
	}
	return fmt.Sprintf("run cancelled: %v", e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// BlockExecutionError 管道失败：一个主因及全部 Block 的退出情况
type BlockExecutionError struct {
	Cause     error
	Secondary []error
	Blocks    []BlockStatus
}

func (e *BlockExecutionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Cause.Error())
	if len(e.Secondary) > 0 {
		fmt.Fprintf(&b, " (%d secondary)", len(e.Secondary))
	}
	return b.String()
}

func (e *BlockExecutionError) Unwrap() error { return e.Cause }

// FailedBlock 主因所属的 Block 名，外部取消时为空
func (e *BlockExecutionError) FailedBlock() string {
	var exitErr *ExitError
	var streamErr *StreamError
	var startErr *StartError
	switch {
	case errors.As(e.Cause, &exitErr):
		return exitErr.Block
	case errors.As(e.Cause, &streamErr):
		return streamErr.Block
	case errors.As(e.Cause, &startErr):
		return startErr.Block
	}
	return ""
}
