package block

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// ProcessTask 基于 os/exec 的真实进程
//
// stdin/stdout/stderr 均使用 os.Pipe：子进程直接继承文件描述符，
// exec.Cmd.Wait 不会关闭本端的读端，流的排空与进程回收互不干扰。
// 子进程在独立进程组中运行，终止信号发送给整个进程组。
type ProcessTask struct {
	name string
	path string
	args []string
	env  []string
	dir  string

	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	waitOnce sync.Once
	status   ExitStatus
	done     chan struct{}
}

// NewProcessTask 创建进程任务
func NewProcessTask(name, path string, args, env []string, dir string) *ProcessTask {
	return &ProcessTask{
		name: name,
		path: path,
		args: args,
		env:  env,
		dir:  dir,
		done: make(chan struct{}),
	}
}

// Name 任务名
func (t *ProcessTask) Name() string { return t.name }

// Start 启动进程
func (t *ProcessTask) Start(_ context.Context) error {
	if t.cmd != nil {
		return fmt.Errorf("task %s already started", t.name)
	}

	cmd := exec.Command(t.path, t.args...)
	cmd.Env = t.env
	cmd.Dir = t.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return err
	}
	// 子进程已持有副本，本端只保留各自一侧
	closeAll(stdinR, stdoutW, stderrW)

	t.cmd = cmd
	t.stdin = stdinW
	t.stdout = stdoutR
	t.stderr = stderrR
	return nil
}

// Stdin 子进程标准输入（写端）
func (t *ProcessTask) Stdin() io.WriteCloser { return t.stdin }

// Stdout 子进程标准输出（读端）
func (t *ProcessTask) Stdout() io.ReadCloser { return t.stdout }

// Stderr 子进程标准错误（读端）
func (t *ProcessTask) Stderr() io.ReadCloser { return t.stderr }

// Pid 进程号，未启动时为 0
func (t *ProcessTask) Pid() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Wait 等待进程退出
func (t *ProcessTask) Wait() ExitStatus {
	t.waitOnce.Do(func() {
		defer close(t.done)
		if t.cmd == nil {
			t.status = ExitStatus{Code: -1, Err: errors.New("task not started")}
			return
		}
		t.status = exitStatusOf(t.cmd.Wait())
	})
	<-t.done
	return t.status
}

// Terminate 向进程组发送 SIGTERM
func (t *ProcessTask) Terminate() error {
	return t.signal(syscall.SIGTERM)
}

// Kill 向进程组发送 SIGKILL
func (t *ProcessTask) Kill() error {
	return t.signal(syscall.SIGKILL)
}

func (t *ProcessTask) signal(sig syscall.Signal) error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	default:
	}
	err := syscall.Kill(-t.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func exitStatusOf(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signal: ws.Signal().String()}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	return ExitStatus{Code: -1, Err: err}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
