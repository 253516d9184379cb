package elt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elt-runner/internal/block"
	"elt-runner/internal/capture"
	"elt-runner/internal/invoker"
	"elt-runner/internal/job"
	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"
	"elt-runner/pkg/plugin"
)

// ============================================================================
// 测试桩
// ============================================================================

// fakeLauncher 真实物化配置，用 FakeTask 代替插件进程
type fakeLauncher struct {
	inv     *invoker.Invoker
	runDir  string
	scripts map[string]block.FakeScript

	mu       sync.Mutex
	invoked  []string
	injected map[string]string
}

func newFakeLauncher(t *testing.T, scripts map[string]block.FakeScript) *fakeLauncher {
	t.Helper()
	runDir := t.TempDir()
	resolver := plugin.StaticResolver{
		"tap-orders":       {"api_url": "https://orders.internal"},
		"target-warehouse": {"dsn": "warehouse://localhost"},
	}
	return &fakeLauncher{
		inv:      invoker.New(invoker.Config{RunDir: runDir, BaseEnv: []string{}}, resolver, nil),
		runDir:   runDir,
		scripts:  scripts,
		injected: make(map[string]string),
	}
}

func (f *fakeLauncher) Prepare(ctx context.Context, desc *plugin.Descriptor, opts invoker.PrepareOptions) (*invoker.InvocationContext, error) {
	return f.inv.Prepare(ctx, desc, opts)
}

func (f *fakeLauncher) Invoke(ctx context.Context, ic *invoker.InvocationContext, _ map[string]string) (*block.IOBlock, error) {
	script, ok := f.scripts[ic.Descriptor.Name]
	if !ok {
		return nil, &invoker.InvocationError{
			Plugin:     ic.Descriptor.Name,
			Executable: ic.Descriptor.Executable,
			Reason:     "executable not found",
			Err:        exec.ErrNotFound,
		}
	}
	f.mu.Lock()
	f.invoked = append(f.invoked, ic.BlockName)
	if ic.StatePath != "" {
		data, err := os.ReadFile(ic.StatePath)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.injected[ic.Descriptor.Name] = string(data)
	}
	f.mu.Unlock()

	b := block.NewIOBlock(ic.BlockName, ic.Descriptor.Name, block.NewFakeTask(ic.BlockName, script))
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (f *fakeLauncher) injectedState(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.injected[name]
	return s, ok
}

type fakeArchiver struct {
	mu      sync.Mutex
	content string
}

func (a *fakeArchiver) ArchiveRunLog(_ context.Context, jobName, runID, logPath string) (string, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.content = string(data)
	a.mu.Unlock()
	return "logs/" + jobName + "/" + runID + ".log", nil
}

type fakeAppender struct {
	mu    sync.Mutex
	lines []map[string]interface{}
}

func (a *fakeAppender) AppendLog(_ context.Context, _ string, values map[string]interface{}) error {
	a.mu.Lock()
	a.lines = append(a.lines, values)
	a.mu.Unlock()
	return nil
}

// flakyJobStore 让指定终态的 FinishJob 失败 failures 次，failures 为负时一直失败
type flakyJobStore struct {
	*storage.MemoryJobStore

	mu       sync.Mutex
	state    model.JobState
	failures int
	calls    int
}

func (s *flakyJobStore) FinishJob(ctx context.Context, id string, fin storage.JobFinish) error {
	s.mu.Lock()
	s.calls++
	if fin.State == s.state && s.failures != 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryJobStore.FinishJob(ctx, id, fin)
}

func (s *flakyJobStore) finishCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// extractor 输出 n 条记录，可选再输出一条状态行
func extractor(n int, state string, exit int) block.FakeScript {
	return func(_ context.Context, _ io.Reader, stdout, stderr io.Writer) int {
		fmt.Fprintln(stderr, "starting sync")
		for i := 1; i <= n; i++ {
			if _, err := fmt.Fprintf(stdout, `{"type":"RECORD","stream":"orders","record":{"id":%d}}`+"\n", i); err != nil {
				return 1
			}
		}
		if state != "" {
			fmt.Fprintln(stdout, state)
		}
		return exit
	}
}

// loader 读取全部输入，把状态行原样回显到 stdout
func loader(exit int) block.FakeScript {
	return func(_ context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
		sc := bufio.NewScanner(stdin)
		records := 0
		for sc.Scan() {
			line := sc.Text()
			if strings.Contains(line, `"state"`) || strings.Contains(line, `"STATE"`) {
				fmt.Fprintln(stdout, line)
				continue
			}
			records++
		}
		fmt.Fprintf(stderr, "loaded %d records\n", records)
		return exit
	}
}

// drainingLoader 读完输入后一直等到被终止
func drainingLoader() block.FakeScript {
	return func(ctx context.Context, stdin io.Reader, _, _ io.Writer) int {
		_, _ = io.Copy(io.Discard, stdin)
		<-ctx.Done()
		return 1
	}
}

// blockedExtractor 等待 release 或被终止
func blockedExtractor(state string, release <-chan struct{}) block.FakeScript {
	return func(ctx context.Context, _ io.Reader, stdout, _ io.Writer) int {
		if state != "" {
			fmt.Fprintln(stdout, state)
		}
		select {
		case <-release:
			return 0
		case <-ctx.Done():
			return 1
		}
	}
}

func ordersPipeline() *Pipeline {
	return &Pipeline{
		Name: "orders-sync",
		Extractor: plugin.Descriptor{
			Name:         "tap-orders",
			Type:         plugin.TypeExtractor,
			Executable:   "tap-orders",
			Capabilities: []plugin.Capability{plugin.CapabilityState},
			Settings:     []plugin.SettingDef{{Name: "api_url", Required: true}},
		},
		Loader: plugin.Descriptor{
			Name:       "target-warehouse",
			Type:       plugin.TypeLoader,
			Executable: "target-warehouse",
			Settings:   []plugin.SettingDef{{Name: "dsn", Required: true}},
		},
	}
}

type harness struct {
	runner   *Runner
	jobs     *job.Manager
	states   *storage.MemoryStateStore
	launcher *fakeLauncher
	metrics  *Metrics
	logDir   string
}

func newHarness(t *testing.T, scripts map[string]block.FakeScript, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, storage.NewMemoryJobStore(), nil, scripts, opts...)
}

// newHarnessWith 使用指定作业存储，tune 可调整运行器配置
func newHarnessWith(t *testing.T, store storage.JobStore, tune func(*Config), scripts map[string]block.FakeScript, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		jobs:     job.NewManager(store, nil),
		states:   storage.NewMemoryStateStore(),
		launcher: newFakeLauncher(t, scripts),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		logDir:   t.TempDir(),
	}
	cfg := Config{
		LogDir:             h.logDir,
		HeartbeatInterval:  10 * time.Millisecond,
		CheckpointInterval: 5 * time.Millisecond,
		TerminationGrace:   time.Second,
		BufferSize:         256,
		FinalizeBackoff:    time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	opts = append([]Option{WithMetrics(h.metrics)}, opts...)
	h.runner = NewRunner(cfg, h.jobs, h.states, h.launcher, nil, opts...)
	return h
}

func (h *harness) job(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := h.jobs.Store().GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

// ============================================================================
// 场景
// ============================================================================

// TestRunOrdersSync 1000 条记录加一条状态 → SUCCESS，状态落库
func TestRunOrdersSync(t *testing.T) {
	archiver := &fakeArchiver{}
	appender := &fakeAppender{}
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       extractor(1000, `{"state":{"bookmark":1000}}`, 0),
		"target-warehouse": loader(0),
	}, WithArchiver(archiver), WithLogAppender(appender))
	ctx := context.Background()

	res, err := h.runner.Run(ctx, ordersPipeline())
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSuccess, res.State)
	assert.NoError(t, res.Err())
	assert.JSONEq(t, `{"bookmark":1000}`, string(res.FinalState))
	assert.Equal(t, 1, res.Checkpoints)
	assert.NotEmpty(t, res.StateVersion)

	entry, err := h.states.GetState(ctx, "orders-sync")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmark":1000}`, string(entry.Payload))
	assert.Equal(t, res.StateVersion, entry.Version)

	j := h.job(t, res.RunID)
	assert.Equal(t, model.JobStateSuccess, j.State)
	assert.Equal(t, model.PayloadFlagNone, j.PayloadFlags)
	payload, err := j.DecodePayload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmark":1000}`, string(payload.State))
	require.Len(t, payload.Blocks, 2)
	for _, b := range payload.Blocks {
		assert.Equal(t, 0, b.ExitCode, b.Name)
		assert.False(t, b.Primary)
	}

	_, running := h.jobs.Store().GetRunningJob(ctx, "orders-sync")
	assert.ErrorIs(t, running, storage.ErrNotFound, "lock must be released")

	// 日志文件、外部日志流与归档
	logData, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "tap-orders stderr | starting sync")
	assert.Contains(t, string(logData), "target-warehouse stderr | loaded 1000 records")
	assert.Equal(t, "logs/orders-sync/"+res.RunID+".log", res.ArchiveKey)
	assert.Equal(t, string(logData), archiver.content)
	appender.mu.Lock()
	assert.NotEmpty(t, appender.lines)
	appender.mu.Unlock()

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("orders-sync", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StateWritesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CheckpointsTotal.WithLabelValues("orders-sync")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.RunsRunning))

	entries, err := os.ReadDir(h.launcher.runDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "invocation dirs must be cleaned up")
}

// TestRunExtractorFailure 提取器写出 10 行后退出 1 → FAIL，状态存储不变
func TestRunExtractorFailure(t *testing.T) {
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       extractor(10, "", 1),
		"target-warehouse": drainingLoader(),
	})
	ctx := context.Background()

	res, err := h.runner.Run(ctx, ordersPipeline())
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.JobStateFail, res.State)

	var exitErr *block.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, "tap-orders", exitErr.Block)
	assert.Equal(t, 1, exitErr.Status.Code)

	_, err = h.states.GetState(ctx, "orders-sync")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	j := h.job(t, res.RunID)
	assert.Equal(t, model.JobStateFail, j.State)
	assert.Contains(t, j.Cause, "tap-orders")
	payload, err := j.DecodePayload()
	require.NoError(t, err)
	require.Len(t, payload.Blocks, 2)
	assert.True(t, payload.Blocks[0].Primary)
	assert.Equal(t, 1, payload.Blocks[0].ExitCode)
	assert.False(t, payload.Blocks[1].Primary)
	assert.True(t, payload.Blocks[1].Signalled, "loader must be terminated")
	assert.False(t, payload.Blocks[1].NotStarted)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("orders-sync", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BlockExitsTotal.WithLabelValues("tap-orders", "failure")))
}

// TestRunPartialStateKeptInPayload 失败运行的检查点只进入作业 payload
func TestRunPartialStateKeptInPayload(t *testing.T) {
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       extractor(5, `{"type":"STATE","value":{"bookmark":5}}`, 0),
		"target-warehouse": loader(2),
	})
	ctx := context.Background()
	before, err := h.states.SetState(ctx, "orders-sync", json.RawMessage(`{"bookmark":1}`), "")
	require.NoError(t, err)

	res, err := h.runner.Run(ctx, ordersPipeline())
	require.Error(t, err)
	assert.JSONEq(t, `{"bookmark":5}`, string(res.FinalState))

	entry, err := h.states.GetState(ctx, "orders-sync")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmark":1}`, string(entry.Payload))
	assert.Equal(t, before, entry.Version)

	j := h.job(t, res.RunID)
	assert.Equal(t, model.JobStateFail, j.State)
	assert.Equal(t, model.PayloadFlagIncomplete, j.PayloadFlags)
	payload, err := j.DecodePayload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmark":5}`, string(payload.State))
	assert.True(t, payload.Blocks[1].Primary)
}

func TestRunResumesFromStoredState(t *testing.T) {
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       extractor(500, `{"state":{"bookmark":1500}}`, 0),
		"target-warehouse": loader(0),
	})
	ctx := context.Background()
	v1, err := h.states.SetState(ctx, "orders-sync", json.RawMessage(`{"bookmark":1000}`), "")
	require.NoError(t, err)

	res, err := h.runner.Run(ctx, ordersPipeline())
	require.NoError(t, err)

	injected, ok := h.launcher.injectedState("tap-orders")
	require.True(t, ok, "stored state should be injected into the extractor")
	assert.JSONEq(t, `{"bookmark":1000}`, injected)

	entry, err := h.states.GetState(ctx, "orders-sync")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmark":1500}`, string(entry.Payload))
	assert.NotEqual(t, v1, entry.Version)
	assert.Equal(t, res.StateVersion, entry.Version)
}

func TestRunFullRefreshIgnoresStoredState(t *testing.T) {
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       extractor(3, `{"state":{"bookmark":3}}`, 0),
		"target-warehouse": loader(0),
	})
	ctx := context.Background()
	_, err := h.states.SetState(ctx, "orders-sync", json.RawMessage(`{"bookmark":1000}`), "")
	require.NoError(t, err)

	p := ordersPipeline()
	p.FullRefresh = true
	res, err := h.runner.Run(ctx, p)
	require.NoError(t, err)

	_, ok := h.launcher.injectedState("tap-orders")
	assert.False(t, ok)

	entry, err := h.states.GetState(ctx, "orders-sync")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmark":3}`, string(entry.Payload))

	payload, err := h.job(t, res.RunID).DecodePayload()
	require.NoError(t, err)
	assert.True(t, payload.FullRefresh)
}

// TestRunStateVersionConflict 运行期间状态被其他写入者更新 → FAIL，不覆盖
func TestRunStateVersionConflict(t *testing.T) {
	var h *harness
	h = newHarness(t, map[string]block.FakeScript{
		"tap-orders": func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
			if _, err := h.states.SetState(ctx, "orders-sync", json.RawMessage(`{"bookmark":7}`), ""); err != nil {
				return 3
			}
			return extractor(1, `{"state":{"bookmark":1}}`, 0)(ctx, stdin, stdout, stderr)
		},
		"target-warehouse": loader(0),
	})
	ctx := context.Background()

	res, err := h.runner.Run(ctx, ordersPipeline())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
	assert.Equal(t, model.JobStateFail, res.State)

	entry, err := h.states.GetState(ctx, "orders-sync")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmark":7}`, string(entry.Payload))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StateWritesTotal.WithLabelValues("conflict")))
}

// TestRunLockContention 同一管道并发运行，第二个立即失败
func TestRunLockContention(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       blockedExtractor("", release),
		"target-warehouse": loader(0),
	})
	ctx := context.Background()

	type outcome struct {
		res *RunResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.runner.Run(ctx, ordersPipeline())
		first <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		_, err := h.jobs.Store().GetRunningJob(ctx, "orders-sync")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	res, err := h.runner.Run(ctx, ordersPipeline())
	assert.Nil(t, res)
	var contention *job.LockContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, "orders-sync", contention.JobName)
	assert.ErrorIs(t, err, storage.ErrLockHeld)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LockContentionTotal.WithLabelValues("orders-sync")))

	close(release)
	out := <-first
	require.NoError(t, out.err)
	assert.Equal(t, model.JobStateSuccess, out.res.State)
}

func TestRunCancel(t *testing.T) {
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       blockedExtractor("", nil),
		"target-warehouse": loader(0),
	})
	ctx := context.Background()

	done := make(chan error, 1)
	var res *RunResult
	go func() {
		var err error
		res, err = h.runner.Run(ctx, ordersPipeline())
		done <- err
	}()

	var runID string
	require.Eventually(t, func() bool {
		ids := h.runner.Running()
		if len(ids) == 0 {
			return false
		}
		runID = ids[0]
		return true
	}, 5*time.Second, 5*time.Millisecond)

	// 等待进程启动后再取消
	require.Eventually(t, func() bool {
		h.launcher.mu.Lock()
		defer h.launcher.mu.Unlock()
		return len(h.launcher.invoked) == 2
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, h.runner.Cancel(runID))
	h.runner.Cancel(runID)

	var err error
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunCancelled)
	var cancelled *block.CancelledError
	assert.ErrorAs(t, err, &cancelled)
	assert.Equal(t, model.JobStateFail, res.State)
	assert.Equal(t, model.JobStateFail, h.job(t, runID).State)

	assert.False(t, h.runner.Cancel(runID), "finished run is no longer cancellable")
}

func TestRunCancelledContext(t *testing.T) {
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       extractor(1, "", 0),
		"target-warehouse": loader(0),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 开始前已取消：作业以 FAIL 结束，不启动任何插件
	res, err := h.runner.Run(ctx, ordersPipeline())
	require.Error(t, err)
	var cancelled *block.CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.JobStateFail, h.job(t, res.RunID).State)
	assert.Empty(t, h.launcher.invoked)
}

// TestRunConfigurationError 缺少设置时不启动任何进程
func TestRunConfigurationError(t *testing.T) {
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       extractor(1, "", 0),
		"target-warehouse": loader(0),
	})
	p := ordersPipeline()
	p.Loader.Settings = append(p.Loader.Settings, plugin.SettingDef{Name: "schema", Required: true})

	res, err := h.runner.Run(context.Background(), p)
	var cfgErr *invoker.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"schema"}, cfgErr.Missing)
	assert.Equal(t, model.JobStateFail, res.State)
	assert.Empty(t, h.launcher.invoked)

	payload, err := h.job(t, res.RunID).DecodePayload()
	require.NoError(t, err)
	require.Len(t, payload.Blocks, 2)
	assert.Equal(t, "tap-orders", payload.Blocks[0].Plugin)
	assert.True(t, payload.Blocks[0].NotStarted)
	assert.False(t, payload.Blocks[0].Primary)
	assert.Equal(t, "target-warehouse", payload.Blocks[1].Plugin)
	assert.True(t, payload.Blocks[1].NotStarted)
	assert.True(t, payload.Blocks[1].Primary)
	assert.Contains(t, payload.Blocks[1].Error, "schema")

	entries, err := os.ReadDir(h.launcher.runDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "prepared extractor dir must be removed")
}

// TestRunInvocationErrorAbortsStartedBlocks 后续插件无法启动时，已启动的插件被回收
func TestRunInvocationErrorAbortsStartedBlocks(t *testing.T) {
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders": blockedExtractor("", nil),
	})

	res, err := h.runner.Run(context.Background(), ordersPipeline())
	var invErr *invoker.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "target-warehouse", invErr.Plugin)
	assert.Equal(t, model.JobStateFail, res.State)
	assert.Equal(t, []string{"tap-orders"}, h.launcher.invoked)

	require.Len(t, res.Blocks, 2)
	assert.True(t, res.Blocks[0].Signalled)
	assert.False(t, res.Blocks[0].NotStarted)
	assert.False(t, res.Blocks[0].Primary)
	assert.True(t, res.Blocks[1].NotStarted)
	assert.True(t, res.Blocks[1].Primary)
	assert.Contains(t, res.Blocks[1].Error, "executable not found")

	payload, err := h.job(t, res.RunID).DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, res.Blocks, payload.Blocks)
}

// TestRunRetriesTransientFinishError 终结时存储短暂出错，重试后仍记为 SUCCESS 并释放锁
func TestRunRetriesTransientFinishError(t *testing.T) {
	store := &flakyJobStore{MemoryJobStore: storage.NewMemoryJobStore(), state: model.JobStateSuccess, failures: 1}
	h := newHarnessWith(t, store, nil, map[string]block.FakeScript{
		"tap-orders":       extractor(3, `{"state":{"bookmark":3}}`, 0),
		"target-warehouse": loader(0),
	})
	ctx := context.Background()

	res, err := h.runner.Run(ctx, ordersPipeline())
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSuccess, res.State)
	assert.Equal(t, 2, store.finishCalls())
	assert.Equal(t, model.JobStateSuccess, h.job(t, res.RunID).State)

	_, err = h.jobs.Store().GetRunningJob(ctx, "orders-sync")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// 锁已释放，下一次运行不会被拒绝
	res, err = h.runner.Run(ctx, ordersPipeline())
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSuccess, res.State)
}

// TestRunFallsBackToFailWhenSuccessCannotBeRecorded SUCCESS 始终写不进去时作业记为 FAIL，不留 RUNNING
func TestRunFallsBackToFailWhenSuccessCannotBeRecorded(t *testing.T) {
	store := &flakyJobStore{MemoryJobStore: storage.NewMemoryJobStore(), state: model.JobStateSuccess, failures: -1}
	h := newHarnessWith(t, store, func(c *Config) { c.FinalizeAttempts = 2 }, map[string]block.FakeScript{
		"tap-orders":       extractor(3, `{"state":{"bookmark":3}}`, 0),
		"target-warehouse": loader(0),
	})
	ctx := context.Background()

	res, err := h.runner.Run(ctx, ordersPipeline())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to finalize job")
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, model.JobStateFail, res.State)
	assert.Equal(t, 3, store.finishCalls(), "two SUCCESS attempts then one FAIL")

	j := h.job(t, res.RunID)
	assert.Equal(t, model.JobStateFail, j.State)
	assert.Contains(t, j.Cause, "failed to finalize job")

	_, err = h.jobs.Store().GetRunningJob(ctx, "orders-sync")
	assert.ErrorIs(t, err, storage.ErrNotFound, "lock must be released")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("orders-sync", "fail")))
}

// TestRunFailsOnOversizedState 超过状态上限的状态行被丢弃时运行失败，旧状态保持不变
func TestRunFailsOnOversizedState(t *testing.T) {
	big := fmt.Sprintf(`{"type":"STATE","value":{"cursor":"%s"}}`, strings.Repeat("x", 100))
	h := newHarnessWith(t, storage.NewMemoryJobStore(), func(c *Config) {
		c.MaxLineBytes = 64
		c.MaxStateBytes = 96
	}, map[string]block.FakeScript{
		"tap-orders": func(_ context.Context, _ io.Reader, stdout, _ io.Writer) int {
			fmt.Fprintln(stdout, `{"state":{"bookmark":1}}`)
			fmt.Fprintln(stdout, big)
			return 0
		},
		"target-warehouse": loader(0),
	})
	ctx := context.Background()

	res, err := h.runner.Run(ctx, ordersPipeline())
	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrCheckpointTooLarge)
	assert.Equal(t, model.JobStateFail, res.State)

	_, err = h.states.GetState(ctx, "orders-sync")
	assert.ErrorIs(t, err, storage.ErrNotFound, "older bookmark must not be persisted")
}

// TestRunAcceptsStateLongerThanLogLine 状态行超过日志单行上限但在状态上限内时照常落库
func TestRunAcceptsStateLongerThanLogLine(t *testing.T) {
	cursor := strings.Repeat("x", 100)
	h := newHarnessWith(t, storage.NewMemoryJobStore(), func(c *Config) {
		c.MaxLineBytes = 64
		c.MaxStateBytes = 1024
	}, map[string]block.FakeScript{
		"tap-orders":       extractor(2, fmt.Sprintf(`{"type":"STATE","value":{"cursor":"%s"}}`, cursor), 0),
		"target-warehouse": loader(0),
	})
	ctx := context.Background()

	res, err := h.runner.Run(ctx, ordersPipeline())
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSuccess, res.State)

	entry, err := h.states.GetState(ctx, "orders-sync")
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"cursor":"%s"}`, cursor), string(entry.Payload))
}

// TestRunRecordsCheckpointsWhileRunning 运行中的检查点写入作业 payload 并标记未完成
func TestRunRecordsCheckpointsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       blockedExtractor(`{"state":{"bookmark":42}}`, release),
		"target-warehouse": loader(0),
	})
	ctx := context.Background()

	done := make(chan *RunResult, 1)
	go func() {
		res, _ := h.runner.Run(ctx, ordersPipeline())
		done <- res
	}()

	require.Eventually(t, func() bool {
		j, err := h.jobs.Store().GetRunningJob(ctx, "orders-sync")
		if err != nil || j.PayloadFlags != model.PayloadFlagIncomplete {
			return false
		}
		payload, err := j.DecodePayload()
		return err == nil && string(payload.State) == `{"bookmark":42}`
	}, 5*time.Second, 5*time.Millisecond)

	close(release)
	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, model.JobStateSuccess, res.State)
	assert.Equal(t, model.PayloadFlagNone, h.job(t, res.RunID).PayloadFlags)
}

func TestRunNoStateLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       extractor(3, "", 0),
		"target-warehouse": loader(0),
	})
	ctx := context.Background()

	res, err := h.runner.Run(ctx, ordersPipeline())
	require.NoError(t, err)
	assert.Empty(t, res.StateVersion)
	_, err = h.states.GetState(ctx, "orders-sync")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunWithMapper(t *testing.T) {
	upper := func(_ context.Context, stdin io.Reader, stdout, _ io.Writer) int {
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			fmt.Fprintln(stdout, strings.ReplaceAll(sc.Text(), "orders", "ORDERS"))
		}
		return 0
	}
	h := newHarness(t, map[string]block.FakeScript{
		"tap-orders":       extractor(10, `{"state":{"bookmark":10}}`, 0),
		"map-upper":        upper,
		"target-warehouse": loader(0),
	})
	p := ordersPipeline()
	p.Mappers = []plugin.Descriptor{{Name: "map-upper", Type: plugin.TypeMapper, Executable: "map-upper"}}

	res, err := h.runner.Run(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, res.Blocks, 3)
	assert.Equal(t, "map-upper", res.Blocks[1].Name)
	assert.Equal(t, []string{"tap-orders", "map-upper", "target-warehouse"}, h.launcher.invoked)
}

// ============================================================================
// 管道定义
// ============================================================================

func TestPipelineValidate(t *testing.T) {
	p := ordersPipeline()
	require.NoError(t, p.Validate())
	assert.Equal(t, "orders-sync", p.StateKey())
	p.StateID = "orders-v2"
	assert.Equal(t, "orders-v2", p.StateKey())

	p.Loader.Type = plugin.TypeExtractor
	assert.Error(t, p.Validate())

	_, err := newHarness(t, nil).runner.Run(context.Background(), &Pipeline{})
	assert.Error(t, err)
}

func TestPipelineFromCatalog(t *testing.T) {
	c, err := plugin.ParseCatalog([]byte(`
plugins:
  - name: tap-orders
    type: extractor
    executable: tap-orders
  - name: map-clean
    type: mapper
    executable: map-clean
  - name: target-warehouse
    type: loader
    executable: target-warehouse
pipelines:
  - name: orders-sync
    extractor: tap-orders
    mappers: [map-clean]
    loader: target-warehouse
    state_id: orders
`))
	require.NoError(t, err)

	p, err := PipelineFromCatalog(c, "orders-sync")
	require.NoError(t, err)
	assert.Equal(t, "tap-orders", p.Extractor.Name)
	require.Len(t, p.Mappers, 1)
	assert.Equal(t, "map-clean", p.Mappers[0].Name)
	assert.Equal(t, "orders", p.StateKey())
	assert.Equal(t, TriggerManual, p.Trigger)

	_, err = PipelineFromCatalog(c, "missing")
	assert.Error(t, err)
}

func TestBlockNames(t *testing.T) {
	stages := []plugin.Descriptor{{Name: "tap"}, {Name: "map"}, {Name: "map"}, {Name: "target"}}
	assert.Equal(t, []string{"tap", "map-1", "map-2", "target"}, blockNames(stages))
}

func TestBlockResult(t *testing.T) {
	assert.Equal(t, "success", blockResult(0, false))
	assert.Equal(t, "terminated", blockResult(-1, true))
	assert.Equal(t, "failure", blockResult(1, false))
}

func TestRunResultErr(t *testing.T) {
	boom := errors.New("boom")
	assert.NoError(t, (&RunResult{State: model.JobStateSuccess}).Err())
	assert.Equal(t, boom, (&RunResult{State: model.JobStateFail, Cause: boom}).Err())
}
