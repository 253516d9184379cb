package block

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 测试脚本
// ============================================================================

func fakeBlock(name string, script FakeScript) *IOBlock {
	return NewIOBlock(name, name, NewFakeTask(name, script))
}

// emit 输出 n 行记录和可选的尾行后以 code 退出
func emit(n int, tail string, code int) FakeScript {
	return func(ctx context.Context, _ io.Reader, stdout, _ io.Writer) int {
		for i := 0; i < n; i++ {
			if _, err := fmt.Fprintf(stdout, `{"type":"RECORD","stream":"orders","record":{"id":%d}}`+"\n", i); err != nil {
				return 1
			}
		}
		if tail != "" {
			io.WriteString(stdout, tail+"\n")
		}
		return code
	}
}

// echo 把 stdin 原样复制到 stdout
func echo() FakeScript {
	return func(_ context.Context, stdin io.Reader, stdout, _ io.Writer) int {
		if _, err := io.Copy(stdout, stdin); err != nil {
			return 1
		}
		return 0
	}
}

// stubborn 读完 stdin 后一直等到被终止
func stubborn() FakeScript {
	return func(ctx context.Context, stdin io.Reader, _, _ io.Writer) int {
		io.Copy(io.Discard, stdin)
		<-ctx.Done()
		return 0
	}
}

// endless 持续输出直到被终止或写失败
func endless() FakeScript {
	return func(ctx context.Context, _ io.Reader, stdout, _ io.Writer) int {
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return 0
			default:
			}
			if _, err := fmt.Fprintf(stdout, "line %d\n", i); err != nil {
				return 1
			}
		}
	}
}

func runSet(t *testing.T, blocks []*IOBlock, opts Options) (*Result, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	if opts.Output == nil {
		opts.Output = out
	}
	if opts.TerminationGrace == 0 {
		opts.TerminationGrace = 200 * time.Millisecond
	}
	set, err := NewSet(blocks, opts)
	require.NoError(t, err)
	res, err := set.Run(context.Background())
	require.NoError(t, err)
	return res, out
}

// ============================================================================
// 数据转发
// ============================================================================

func TestSetForwardsAllBytesInOrder(t *testing.T) {
	state := `{"state":{"bookmark":1000}}`
	blocks := []*IOBlock{
		fakeBlock("tap-orders", emit(1000, state, 0)),
		fakeBlock("map-mask", echo()),
		fakeBlock("target-warehouse", echo()),
	}
	res, out := runSet(t, blocks, Options{BufferSize: 64})

	require.True(t, res.Success(), "err: %v", res.Err())
	assert.NoError(t, res.Err())

	scanner := bufio.NewScanner(out)
	i := 0
	var last string
	for scanner.Scan() {
		last = scanner.Text()
		if i < 1000 {
			assert.Equal(t, fmt.Sprintf(`{"type":"RECORD","stream":"orders","record":{"id":%d}}`, i), last)
		}
		i++
	}
	assert.Equal(t, 1001, i)
	assert.Equal(t, state, last)
	for _, st := range res.Blocks {
		assert.Equal(t, 0, st.Exit.Code, st.Name)
		assert.False(t, st.Terminated, st.Name)
	}
}

func TestSetInputAndStderr(t *testing.T) {
	stderr := map[string]*bytes.Buffer{}
	block := fakeBlock("tap", func(_ context.Context, stdin io.Reader, stdout, errw io.Writer) int {
		io.WriteString(errw, "starting\n")
		io.Copy(stdout, stdin)
		return 0
	})
	stderr["tap"] = &bytes.Buffer{}
	res, out := runSet(t, []*IOBlock{block}, Options{
		Input:  strings.NewReader("hello\nworld\n"),
		Stderr: func(b *IOBlock) io.Writer { return stderr[b.Name()] },
	})
	require.True(t, res.Success())
	assert.Equal(t, "hello\nworld\n", out.String())
	assert.Equal(t, "starting\n", stderr["tap"].String())
}

// ============================================================================
// 失败传播
// ============================================================================

func TestSetUpstreamFailureCancelsDownstream(t *testing.T) {
	blocks := []*IOBlock{
		fakeBlock("tap-orders", emit(10, "", 1)),
		fakeBlock("target-warehouse", stubborn()),
	}
	start := time.Now()
	res, _ := runSet(t, blocks, Options{})
	assert.Less(t, time.Since(start), 5*time.Second)

	require.False(t, res.Success())
	var execErr *BlockExecutionError
	require.True(t, errors.As(res.Err(), &execErr))
	assert.Equal(t, "tap-orders", execErr.FailedBlock())

	var exitErr *ExitError
	require.True(t, errors.As(res.Primary, &exitErr))
	assert.Equal(t, 1, exitErr.Status.Code)

	assert.True(t, res.Blocks[0].Primary)
	assert.True(t, res.Blocks[1].Terminated)
	assert.Len(t, res.Secondary, 1)
	assert.Len(t, execErr.Blocks, 2)
}

func TestSetDownstreamFailureIsPrimary(t *testing.T) {
	blocks := []*IOBlock{
		fakeBlock("tap-orders", endless()),
		fakeBlock("target-warehouse", func(context.Context, io.Reader, io.Writer, io.Writer) int { return 2 }),
	}
	res, _ := runSet(t, blocks, Options{})

	var execErr *BlockExecutionError
	require.True(t, errors.As(res.Err(), &execErr))
	assert.Equal(t, "target-warehouse", execErr.FailedBlock())
	var exitErr *ExitError
	require.True(t, errors.As(res.Primary, &exitErr))
	assert.Equal(t, 2, exitErr.Status.Code)
	assert.True(t, res.Blocks[0].Terminated)
	assert.False(t, res.Blocks[0].Primary)
}

func TestSetDownstreamClosingEarlyIsStreamError(t *testing.T) {
	blocks := []*IOBlock{
		fakeBlock("tap-orders", endless()),
		fakeBlock("target-warehouse", func(_ context.Context, stdin io.Reader, _, _ io.Writer) int {
			bufio.NewReader(stdin).ReadString('\n')
			return 0
		}),
	}
	res, _ := runSet(t, blocks, Options{})

	var streamErr *StreamError
	require.True(t, errors.As(res.Primary, &streamErr), "primary: %v", res.Primary)
	assert.Equal(t, "target-warehouse", streamErr.Block)
	assert.Equal(t, "write", streamErr.Op)
	assert.Equal(t, 0, res.Blocks[1].Exit.Code)
	assert.True(t, res.Blocks[0].Terminated)
}

func TestSetStartFailure(t *testing.T) {
	broken := NewFakeTask("target-warehouse", echo())
	broken.StartErr = fs.ErrNotExist
	blocks := []*IOBlock{
		fakeBlock("tap-orders", endless()),
		NewIOBlock("target-warehouse", "target-warehouse", broken),
		fakeBlock("never", echo()),
	}
	res, _ := runSet(t, blocks, Options{})

	var startErr *StartError
	require.True(t, errors.As(res.Primary, &startErr))
	assert.ErrorIs(t, res.Err(), fs.ErrNotExist)
	assert.True(t, res.Blocks[0].Terminated)
	assert.Equal(t, -1, res.Blocks[2].Exit.Code)
	assert.Nil(t, res.Blocks[2].Err)
}

// ============================================================================
// 取消
// ============================================================================

func TestSetExternalCancel(t *testing.T) {
	blocks := []*IOBlock{
		fakeBlock("tap-orders", func(ctx context.Context, _ io.Reader, stdout, _ io.Writer) int {
			io.WriteString(stdout, "one\n")
			<-ctx.Done()
			return 0
		}),
		fakeBlock("target-warehouse", echo()),
	}
	set, err := NewSet(blocks, Options{TerminationGrace: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res, err := set.Run(ctx)
	require.NoError(t, err)

	var cancelled *CancelledError
	require.True(t, errors.As(res.Err(), &cancelled))
	assert.ErrorIs(t, res.Err(), context.Canceled)
	assert.Equal(t, "", res.Err().(*BlockExecutionError).FailedBlock())

	// 运行结束后再次取消是安全的
	set.Cancel(errors.New("again"))
	set.Cancel(nil)
	_, err = set.Run(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestSetCancelBeforeRun(t *testing.T) {
	blocks := []*IOBlock{
		fakeBlock("tap-orders", endless()),
		fakeBlock("target-warehouse", echo()),
	}
	set, err := NewSet(blocks, Options{TerminationGrace: 200 * time.Millisecond})
	require.NoError(t, err)
	abort := errors.New("operator abort")
	set.Cancel(abort)
	set.Cancel(abort)

	res, err := set.Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), abort)
}

func TestSetCancelAfterSuccessKeepsSuccess(t *testing.T) {
	blocks := []*IOBlock{fakeBlock("tap", emit(3, "", 0)), fakeBlock("target", echo())}
	set, err := NewSet(blocks, Options{})
	require.NoError(t, err)
	res, err := set.Run(context.Background())
	require.NoError(t, err)
	set.Cancel(nil)
	assert.True(t, res.Success())
}

func TestNewSetRequiresBlocks(t *testing.T) {
	_, err := NewSet(nil, Options{})
	assert.Error(t, err)
}

// ============================================================================
// 真实进程
// ============================================================================

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	return sh
}

func shellBlock(sh, name, script string) *IOBlock {
	return NewIOBlock(name, name, NewProcessTask(name, sh, []string{"-c", script}, nil, ""))
}

func TestProcessPipeline(t *testing.T) {
	sh := requireShell(t)
	blocks := []*IOBlock{
		shellBlock(sh, "tap", `i=0; while [ $i -lt 200 ]; do echo "line $i"; i=$((i+1)); done; echo '{"state":{"bookmark":200}}'`),
		shellBlock(sh, "target", `cat`),
	}
	res, out := runSet(t, blocks, Options{})
	require.True(t, res.Success(), "err: %v", res.Err())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 201)
	assert.Equal(t, "line 0", lines[0])
	assert.Equal(t, `{"state":{"bookmark":200}}`, lines[200])
	assert.NotZero(t, res.Blocks[0].Pid)
}

func TestProcessFailureTerminatesSibling(t *testing.T) {
	sh := requireShell(t)
	blocks := []*IOBlock{
		shellBlock(sh, "tap", `echo one; exit 3`),
		shellBlock(sh, "target", `cat >/dev/null; sleep 30`),
	}
	start := time.Now()
	res, _ := runSet(t, blocks, Options{TerminationGrace: time.Second})
	assert.Less(t, time.Since(start), 10*time.Second)

	var exitErr *ExitError
	require.True(t, errors.As(res.Primary, &exitErr))
	assert.Equal(t, "tap", exitErr.Block)
	assert.Equal(t, 3, exitErr.Status.Code)
	assert.True(t, res.Blocks[1].Terminated)
	assert.False(t, res.Blocks[1].Exit.Success())
}

func TestProcessTaskNotFound(t *testing.T) {
	task := NewProcessTask("missing", "/nonexistent/elt/plugin", nil, nil, "")
	err := task.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, 0, task.Pid())
}

func TestExitStatusString(t *testing.T) {
	assert.Equal(t, "exit 0", ExitStatus{}.String())
	assert.Equal(t, "exit 2", ExitStatus{Code: 2}.String())
	assert.Equal(t, "killed by signal terminated", ExitStatus{Code: -1, Signal: "terminated"}.String())
	assert.True(t, ExitStatus{}.Success())
	assert.False(t, ExitStatus{Code: -1, Signal: "killed"}.Success())
}
