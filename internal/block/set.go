package block

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"elt-runner/pkg/logging"
)

const (
	// DefaultTerminationGrace SIGTERM 到 SIGKILL 的等待时间
	DefaultTerminationGrace = 10 * time.Second
	// DefaultBufferSize 每个复制循环的固定缓冲区
	DefaultBufferSize = 32 * 1024
)

// ErrAlreadyRun 同一个 Set 只能运行一次
var ErrAlreadyRun = errors.New("block set already run")

var errNotStarted = errors.New("not started")

// Options Set 配置
type Options struct {
	// Input 第一个 Block 的标准输入；为空时立即关闭其 stdin
	Input io.Reader
	// Output 最后一个 Block 的标准输出去向，为空时丢弃
	Output io.Writer
	// Stderr 每个 Block 标准错误的去向，为空或返回 nil 时丢弃
	Stderr func(b *IOBlock) io.Writer

	TerminationGrace time.Duration
	BufferSize       int
	Logger           *logging.Logger
}

// BlockStatus 单个 Block 的最终情况
type BlockStatus struct {
	Index      int
	Name       string
	Plugin     string
	Pid        int
	Exit       ExitStatus
	Terminated bool
	// Err 该 Block 自身的失败，成功时为 nil
	Err     error
	Primary bool
}

// Result 一次运行的结果
type Result struct {
	Blocks    []BlockStatus
	Primary   error
	Secondary []error
}

// Success 所有 Block 均以 0 退出
func (r *Result) Success() bool {
	return r.Primary == nil
}

// Err 失败时返回 *BlockExecutionError
func (r *Result) Err() error {
	if r.Primary == nil {
		return nil
	}
	return &BlockExecutionError{Cause: r.Primary, Secondary: r.Secondary, Blocks: r.Blocks}
}

// Set 有序的 Block 链：Block i 的 stdout 接到 Block i+1 的 stdin
type Set struct {
	blocks []*IOBlock
	opts   Options
	logger *logging.Logger

	mu             sync.Mutex
	ran            bool
	finished       bool
	failing        bool
	cancelled      bool
	cancelledFirst bool
	cancelCause    error
	streamErrs     map[int]error
}

// NewSet 创建 Block 链
func NewSet(blocks []*IOBlock, opts Options) (*Set, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("block set requires at least one block")
	}
	if opts.TerminationGrace <= 0 {
		opts.TerminationGrace = DefaultTerminationGrace
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Set{
		blocks:     blocks,
		opts:       opts,
		logger:     logger,
		streamErrs: make(map[int]error),
	}, nil
}

// Blocks 返回链中的 Block
func (s *Set) Blocks() []*IOBlock {
	return s.blocks
}

// Run 启动全部 Block 并驱动到结束
//
// 返回时所有任务均已退出，所有流均已排空。管道本身的失败通过 Result.Err() 报告。
func (s *Set) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	s.ran = true
	s.mu.Unlock()

	// 先全部启动再接线，避免某一阶段在下游尚不存在时写满管道
	for i, b := range s.blocks {
		if err := b.Start(ctx); err != nil {
			s.logger.Error("Block failed to start", "block", b.Name(), "error", err)
			s.onFailure(i)
			break
		}
	}
	if s.isCancelled() {
		s.terminateAll()
	}

	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel(context.Cause(ctx))
		case <-finished:
		}
	}()

	var g errgroup.Group
	n := len(s.blocks)
	for i, b := range s.blocks {
		i, b := i, b
		if !b.Started() {
			if i+1 < n && s.blocks[i+1].Started() {
				s.blocks[i+1].Stdin().Close()
			}
			continue
		}

		if i == 0 {
			s.feedInput(b)
		}

		if i+1 < n {
			if s.blocks[i+1].Started() {
				g.Go(func() error { return s.pipe(i) })
			} else {
				g.Go(func() error { return s.drain(b.Stdout()) })
			}
		} else {
			g.Go(func() error { return s.capture(i, b.Stdout(), s.opts.Output, true) })
		}

		var errSink io.Writer
		if s.opts.Stderr != nil {
			errSink = s.opts.Stderr(b)
		}
		g.Go(func() error { return s.capture(i, b.Stderr(), errSink, false) })

		g.Go(func() error {
			<-b.Done()
			exit := b.Exit()
			s.logger.BlockExitLog(b.Name(), exit.Code, b.Terminated(), exitErr(b, exit))
			if !exit.Success() {
				s.onFailure(i)
			}
			return nil
		})
	}
	g.Wait()
	close(finished)

	for _, b := range s.blocks {
		if b.Started() {
			b.closeReaders()
		}
	}

	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	return s.result(), nil
}

// Cancel 外部取消：终止所有仍在运行的 Block
//
// 幂等；在 Run 之前、之中、之后调用均安全。
func (s *Set) Cancel(cause error) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.cancelledFirst = !s.failing
	s.cancelCause = cause
	finished := s.finished
	s.mu.Unlock()

	if finished {
		return
	}
	s.logger.Warn("Cancelling block set", "cause", fmt.Sprint(cause))
	s.terminateAll()
}

// feedInput 第一个 Block 的输入；外部输入可能无限阻塞，因此不计入 Run 的等待
func (s *Set) feedInput(b *IOBlock) {
	stdin := b.Stdin()
	if s.opts.Input == nil {
		stdin.Close()
		return
	}
	go func() {
		defer stdin.Close()
		buf := make([]byte, s.opts.BufferSize)
		if _, err := io.CopyBuffer(stdin, s.opts.Input, buf); err != nil && !b.Terminated() {
			s.logger.Warn("Input copy stopped", "block", b.Name(), "error", err)
		}
	}()
}

// pipe Block i 的 stdout → Block i+1 的 stdin
func (s *Set) pipe(i int) error {
	up, down := s.blocks[i], s.blocks[i+1]
	src, dst := up.Stdout(), down.Stdin()
	defer dst.Close()

	buf := make([]byte, s.opts.BufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.streamFailure(i+1, &StreamError{Block: down.Name(), Op: "write", Err: werr})
				// 下游已不再读取，继续排空上游，避免上游阻塞在满管道上
				return s.drain(src)
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				s.streamFailure(i, &StreamError{Block: up.Name(), Op: "read", Err: rerr})
			}
			return nil
		}
	}
}

// capture 把流复制到日志侧；写入失败时改为丢弃，不影响管道
func (s *Set) capture(i int, src io.Reader, dst io.Writer, stdout bool) error {
	if dst == nil {
		dst = io.Discard
	}
	b := s.blocks[i]
	buf := make([]byte, s.opts.BufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.logger.Warn("Output capture failed, discarding", "block", b.Name(), "error", werr)
				dst = io.Discard
			}
		}
		if rerr != nil {
			if rerr != io.EOF && stdout {
				s.streamFailure(i, &StreamError{Block: b.Name(), Op: "read", Err: rerr})
			}
			return nil
		}
	}
}

func (s *Set) drain(src io.Reader) error {
	io.CopyBuffer(io.Discard, src, make([]byte, s.opts.BufferSize))
	return nil
}

// streamFailure 记录断流；被本 Set 终止的 Block 的断流是结果而非原因，忽略
func (s *Set) streamFailure(i int, err *StreamError) {
	if s.blocks[i].Terminated() {
		return
	}
	s.mu.Lock()
	if _, exists := s.streamErrs[i]; !exists {
		s.streamErrs[i] = err
	}
	s.mu.Unlock()
	s.logger.Warn("Stream failed", "block", err.Block, "op", err.Op, "error", err.Err)
	s.onFailure(i)
}

// onFailure 第一个失败触发终止其余所有 Block
func (s *Set) onFailure(i int) {
	s.mu.Lock()
	first := !s.failing
	s.failing = true
	s.mu.Unlock()
	if first {
		s.logger.Warn("Block failure, terminating siblings", "block", s.blocks[i].Name())
	}
	s.terminateAll()
}

func (s *Set) terminateAll() {
	for _, b := range s.blocks {
		b.Terminate(s.opts.TerminationGrace)
	}
}

func (s *Set) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// result 汇总：主因为按启动顺序第一个自身失败的 Block
//
// 自身失败指启动失败、未被终止前的非零退出，或未被终止前记录的断流；
// 因其他 Block 失败而被终止的 Block 只记为次要失败。
func (s *Set) result() *Result {
	s.mu.Lock()
	cancelledFirst := s.cancelled && s.cancelledFirst
	cause := s.cancelCause
	streamErrs := s.streamErrs
	s.mu.Unlock()

	res := &Result{Blocks: make([]BlockStatus, len(s.blocks))}
	self := make([]bool, len(s.blocks))
	affected := false
	for i, b := range s.blocks {
		st := BlockStatus{
			Index:      i,
			Name:       b.Name(),
			Plugin:     b.Plugin(),
			Terminated: b.Terminated(),
		}
		startErr := b.StartErr()
		switch {
		case startErr != nil:
			st.Exit = b.Exit()
			st.Err = &StartError{Block: b.Name(), Err: startErr}
		case !b.Started():
			st.Exit = ExitStatus{Code: -1, Err: errNotStarted}
		default:
			st.Pid = b.Pid()
			st.Exit = b.Exit()
		}
		selfFailed := false
		exitFailed := b.Started() && !st.Exit.Success()
		switch {
		case st.Err != nil, !b.Started():
			selfFailed = st.Err != nil
		case exitFailed && !st.Terminated:
			st.Err = &ExitError{Block: b.Name(), Status: st.Exit}
			selfFailed = true
		case streamErrs[i] != nil:
			// 断流只在 Block 未被终止时记录，因此总是自身失败；
			// 若进程随后以非信号方式失败退出，退出码更能说明问题
			selfFailed = true
			st.Err = streamErrs[i]
			if exitFailed && st.Exit.Signal == "" {
				st.Err = &ExitError{Block: b.Name(), Status: st.Exit}
			}
		case exitFailed:
			st.Err = &ExitError{Block: b.Name(), Status: st.Exit}
		}
		if st.Err != nil || st.Terminated {
			affected = true
		}
		self[i] = selfFailed
		res.Blocks[i] = st
	}

	primary := -1
	if cancelledFirst && affected {
		res.Primary = &CancelledError{Cause: cause}
	} else {
		for i := range res.Blocks {
			if self[i] {
				primary = i
				break
			}
		}
		if primary < 0 {
			for i, st := range res.Blocks {
				if st.Err != nil {
					primary = i
					break
				}
			}
		}
		if primary >= 0 {
			res.Blocks[primary].Primary = true
			res.Primary = res.Blocks[primary].Err
		}
	}
	for i, st := range res.Blocks {
		if st.Err != nil && i != primary {
			res.Secondary = append(res.Secondary, st.Err)
		}
	}
	return res
}

func exitErr(b *IOBlock, exit ExitStatus) error {
	if exit.Success() {
		return nil
	}
	return &ExitError{Block: b.Name(), Status: exit}
}
