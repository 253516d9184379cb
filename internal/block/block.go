package block

import (
	"context"
	"io"
	"sync"
	"time"
)

// IOBlock 管道中的一个阶段：一个受管任务及其标准流
//
// 由创建它的 Set 独占；任务退出且流排空后即失效。
type IOBlock struct {
	name   string
	plugin string
	task   Task

	mu         sync.Mutex
	started    bool
	startErr   error
	terminated bool

	exit ExitStatus
	done chan struct{}
}

// NewIOBlock 包装任务
func NewIOBlock(name, plugin string, task Task) *IOBlock {
	return &IOBlock{
		name:   name,
		plugin: plugin,
		task:   task,
		done:   make(chan struct{}),
	}
}

// Name Block 名
func (b *IOBlock) Name() string { return b.name }

// Plugin 插件名
func (b *IOBlock) Plugin() string { return b.plugin }

// Pid 进程号
func (b *IOBlock) Pid() int { return b.task.Pid() }

// Start 启动任务，可重复调用，只有第一次生效
func (b *IOBlock) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return b.startErr
	}
	b.started = true
	if err := b.task.Start(ctx); err != nil {
		b.startErr = err
		b.exit = ExitStatus{Code: -1, Err: err}
		close(b.done)
		return err
	}
	go func() {
		status := b.task.Wait()
		b.mu.Lock()
		b.exit = status
		b.mu.Unlock()
		close(b.done)
	}()
	return nil
}

// Started 是否已成功启动
func (b *IOBlock) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started && b.startErr == nil
}

// StartErr 启动失败的原因
func (b *IOBlock) StartErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startErr
}

// Stdin 标准输入
func (b *IOBlock) Stdin() io.WriteCloser { return b.task.Stdin() }

// Stdout 标准输出
func (b *IOBlock) Stdout() io.ReadCloser { return b.task.Stdout() }

// Stderr 标准错误
func (b *IOBlock) Stderr() io.ReadCloser { return b.task.Stderr() }

// Done 任务退出（或启动失败）时关闭
func (b *IOBlock) Done() <-chan struct{} { return b.done }

// Exit 退出状态，Done 之后有效
func (b *IOBlock) Exit() ExitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exit
}

// Terminated 是否在退出前被要求终止
func (b *IOBlock) Terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}

// Terminate 发送终止信号，grace 后仍未退出则强制结束
//
// 对未启动或已退出的 Block 为空操作，返回是否确实发出了终止请求。
func (b *IOBlock) Terminate(grace time.Duration) bool {
	b.mu.Lock()
	if !b.started || b.startErr != nil || b.terminated || b.isDone() {
		b.mu.Unlock()
		return false
	}
	b.terminated = true
	b.mu.Unlock()

	b.task.Terminate()
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-b.done:
		case <-timer.C:
			b.task.Kill()
		}
	}()
	return true
}

// Abort 强制结束并回收，用于尚未交给 Set 的 Block
func (b *IOBlock) Abort() {
	b.mu.Lock()
	live := b.started && b.startErr == nil
	if live && !b.isDone() {
		b.terminated = true
	}
	b.mu.Unlock()
	if !live {
		return
	}
	b.task.Kill()
	b.task.Stdin().Close()
	go io.Copy(io.Discard, b.task.Stdout())
	go io.Copy(io.Discard, b.task.Stderr())
	<-b.done
	b.closeReaders()
}

func (b *IOBlock) closeReaders() {
	b.task.Stdout().Close()
	b.task.Stderr().Close()
}

func (b *IOBlock) isDone() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
