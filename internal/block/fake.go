package block

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrTaskKilled FakeTask 被强制结束后管道返回的错误
var ErrTaskKilled = errors.New("task killed")

// FakeScript FakeTask 的行为脚本，返回值为退出码
//
// 脚本应在 ctx 取消时尽快返回，对应真实进程响应 SIGTERM。
type FakeScript func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int

// FakeTask 内存中的受管任务，用 io.Pipe 模拟标准流
type FakeTask struct {
	name   string
	script FakeScript
	// StartErr 非空时 Start 直接返回该错误
	StartErr error

	mu         sync.Mutex
	started    bool
	terminated bool
	cancel     context.CancelFunc

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	status ExitStatus
	done   chan struct{}
}

// NewFakeTask 创建内存任务
func NewFakeTask(name string, script FakeScript) *FakeTask {
	return &FakeTask{
		name:   name,
		script: script,
		done:   make(chan struct{}),
	}
}

// Name 任务名
func (t *FakeTask) Name() string { return t.name }

// Start 在 goroutine 中运行脚本
func (t *FakeTask) Start(ctx context.Context) error {
	if t.StartErr != nil {
		return t.StartErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("task %s already started", t.name)
	}
	t.started = true

	t.stdinR, t.stdinW = io.Pipe()
	t.stdoutR, t.stdoutW = io.Pipe()
	t.stderrR, t.stderrW = io.Pipe()

	// 与调用方上下文解耦，只响应 Terminate/Kill
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	go func() {
		code := t.script(runCtx, t.stdinR, t.stdoutW, t.stderrW)

		t.mu.Lock()
		if t.terminated {
			t.status = ExitStatus{Code: -1, Signal: "terminated"}
		} else {
			t.status = ExitStatus{Code: code}
		}
		t.mu.Unlock()

		t.stdoutW.Close()
		t.stderrW.Close()
		// 退出后继续写 stdin 的一方得到 ErrClosedPipe，对应 EPIPE
		t.stdinR.Close()
		cancel()
		close(t.done)
	}()
	return nil
}

// Stdin 标准输入写端
func (t *FakeTask) Stdin() io.WriteCloser { return t.stdinW }

// Stdout 标准输出读端
func (t *FakeTask) Stdout() io.ReadCloser { return t.stdoutR }

// Stderr 标准错误读端
func (t *FakeTask) Stderr() io.ReadCloser { return t.stderrR }

// Pid 内存任务没有进程号
func (t *FakeTask) Pid() int { return 0 }

// Wait 等待脚本返回
func (t *FakeTask) Wait() ExitStatus {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return ExitStatus{Code: -1, Err: errors.New("task not started")}
	}
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Terminate 取消脚本上下文并让阻塞在 stdin 上的读取返回
func (t *FakeTask) Terminate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.isDone() {
		return nil
	}
	t.terminated = true
	t.cancel()
	t.stdinR.CloseWithError(ErrTaskKilled)
	return nil
}

// Kill 在 Terminate 基础上让脚本的所有输出写入失败
func (t *FakeTask) Kill() error {
	if err := t.Terminate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		t.stdoutR.CloseWithError(ErrTaskKilled)
		t.stderrR.CloseWithError(ErrTaskKilled)
	}
	return nil
}

// Terminated 是否收到过终止请求
func (t *FakeTask) Terminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}

func (t *FakeTask) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
