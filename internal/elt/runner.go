// Package elt ExtractLoad 管道：把作业锁、插件调用、Block 链与状态存储串成一次运行
//
// 一次运行的控制流：
//
//	Begin（运行锁） → 心跳 → 读取状态 → Prepare 全部插件 → Invoke 全部插件
//	→ block.Set.Run → 成功时条件写入最终状态 → 终结作业 → 清理 → 归档日志
package elt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"elt-runner/internal/block"
	"elt-runner/internal/capture"
	"elt-runner/internal/invoker"
	"elt-runner/internal/job"
	"elt-runner/internal/shared/model"
	"elt-runner/internal/shared/storage"
	"elt-runner/pkg/logging"
	"elt-runner/pkg/plugin"
)

const (
	// DefaultHeartbeatInterval 作业心跳间隔
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultCheckpointInterval 检查点写入作业 payload 的最小间隔
	DefaultCheckpointInterval = 10 * time.Second
	// DefaultFinalizeAttempts 终结作业的最多尝试次数
	DefaultFinalizeAttempts = 3
	// DefaultFinalizeBackoff 终结重试的初始间隔，每次翻倍
	DefaultFinalizeBackoff = 200 * time.Millisecond
)

// ErrRunCancelled 人工取消
var ErrRunCancelled = errors.New("run cancelled by operator")

// Launcher 插件调用层，由 *invoker.Invoker 实现
type Launcher interface {
	Prepare(ctx context.Context, desc *plugin.Descriptor, opts invoker.PrepareOptions) (*invoker.InvocationContext, error)
	Invoke(ctx context.Context, ic *invoker.InvocationContext, extraEnv map[string]string) (*block.IOBlock, error)
}

// LogArchiver 运行日志归档，由 *objstore.Client 实现
type LogArchiver interface {
	ArchiveRunLog(ctx context.Context, jobName, runID, logPath string) (string, error)
}

// Config 运行器配置
type Config struct {
	// LogDir 运行日志目录，为空时不写日志文件
	LogDir             string
	HeartbeatInterval  time.Duration
	CheckpointInterval time.Duration
	TerminationGrace   time.Duration
	BufferSize         int
	MaxLineBytes       int
	// MaxStateBytes 参与状态分类的单行上限，超过时运行失败
	MaxStateBytes      int
	// FinalizeAttempts 与 FinalizeBackoff 控制作业终结在存储出错时的重试
	FinalizeAttempts   int
	FinalizeBackoff    time.Duration
}

// RunResult 一次运行的结果
type RunResult struct {
	RunID   string
	JobName string
	State   model.JobState
	// Cause 失败主因，成功时为 nil
	Cause  error
	Blocks []model.BlockExit
	// FinalState 最后一个检查点（失败时为部分状态）
	FinalState json.RawMessage
	// StateVersion 成功写入状态后的版本令牌
	StateVersion string
	Checkpoints  int
	LogPath      string
	ArchiveKey   string
	Duration     time.Duration
}

// Err 失败时返回主因
func (r *RunResult) Err() error {
	if r.State == model.JobStateSuccess {
		return nil
	}
	return r.Cause
}

// activeRun 运行中的管道
type activeRun struct {
	cancel context.CancelCauseFunc
}

// Runner 管道运行器
type Runner struct {
	cfg      Config
	jobs     *job.Manager
	states   storage.StateStore
	launcher Launcher
	logger   *logging.Logger
	metrics  *Metrics
	appender capture.LogAppender
	archiver LogArchiver

	mu      sync.Mutex
	running map[string]*activeRun
}

// Option 运行器选项
type Option func(*Runner)

// WithMetrics 使用指定指标
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogAppender 把运行日志镜像到外部日志流
func WithLogAppender(a capture.LogAppender) Option {
	return func(r *Runner) { r.appender = a }
}

// WithArchiver 运行结束后归档日志文件
func WithArchiver(a LogArchiver) Option {
	return func(r *Runner) { r.archiver = a }
}

// NewRunner 创建运行器
func NewRunner(cfg Config, jobs *job.Manager, states storage.StateStore, launcher Launcher, logger *logging.Logger, opts ...Option) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.FinalizeAttempts <= 0 {
		cfg.FinalizeAttempts = DefaultFinalizeAttempts
	}
	if cfg.FinalizeBackoff <= 0 {
		cfg.FinalizeBackoff = DefaultFinalizeBackoff
	}
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Runner{
		cfg:      cfg,
		jobs:     jobs,
		states:   states,
		launcher: launcher,
		logger:   logger,
		running:  make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r
}

// Running 当前进程中运行中的 run_id
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}

// Cancel 取消运行中的管道；未找到时返回 false，可重复调用
func (r *Runner) Cancel(runID string) bool {
	r.mu.Lock()
	run, ok := r.running[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.logger.Warn("Cancelling run", "run_id", runID)
	run.cancel(ErrRunCancelled)
	return true
}

// Run 执行一次管道
//
// 运行锁被占用时返回 *job.LockContentionError 且结果为 nil。
// 作业一旦开始，总是返回非 nil 结果；失败时 error 为主因。
func (r *Runner) Run(ctx context.Context, p *Pipeline) (*RunResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	trigger := p.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}

	start := time.Now()
	lease, err := r.jobs.Begin(ctx, p.Name, trigger)
	if err != nil {
		var contention *job.LockContentionError
		if errors.As(err, &contention) {
			r.metrics.LockContentionTotal.WithLabelValues(p.Name).Inc()
		}
		return nil, err
	}

	runID := lease.ID()
	logger := r.logger.WithRunID(runID).WithJob(p.Name)
	logger.Info("Run started", "trigger", trigger, "full_refresh", p.FullRefresh)

	r.metrics.RunsRunning.Inc()
	defer r.metrics.RunsRunning.Dec()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.mu.Lock()
	r.running[runID] = &activeRun{cancel: cancel}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, runID)
		r.mu.Unlock()
	}()

	lease.StartHeartbeat(runCtx, r.cfg.HeartbeatInterval)
	go func() {
		select {
		case <-lease.Lost():
			cancel(job.ErrLockLost)
		case <-runCtx.Done():
		}
	}()

	res := &RunResult{RunID: runID, JobName: p.Name}
	ex := &execution{runner: r, pipeline: p, lease: lease, logger: logger, result: res}
	cause := ex.run(runCtx)

	// 终结不受取消影响，否则被取消的运行会留下 RUNNING 记录
	finalCtx := context.WithoutCancel(ctx)
	payload := &model.JobPayload{State: res.FinalState, Blocks: res.Blocks, FullRefresh: p.FullRefresh}
	cause = r.finalize(finalCtx, lease, cause, payload, logger)
	ex.closeSinks()
	ex.archive(finalCtx)

	res.Duration = time.Since(start)
	res.Cause = cause
	res.State = model.JobStateSuccess
	if cause != nil {
		res.State = model.JobStateFail
	}
	status := strings.ToLower(string(res.State))
	r.metrics.RunsTotal.WithLabelValues(p.Name, status).Inc()
	r.metrics.RunDuration.WithLabelValues(p.Name).Observe(res.Duration.Seconds())

	if cause != nil {
		logger.WithDuration(res.Duration).Error("Run failed", "cause", cause.Error())
		return res, cause
	}
	logger.WithDuration(res.Duration).Info("Run succeeded", "checkpoints", res.Checkpoints)
	return res, nil
}

// finalize 把作业迁移到终态，返回最终的失败主因
//
// 存储出错时有限次重试；SUCCESS 始终写不进去时退回 FAIL，保证不留下 RUNNING 记录。
// ErrLockLost 说明记录已被他人终结，不再重试。
func (r *Runner) finalize(ctx context.Context, lease *job.Lease, cause error, payload *model.JobPayload, logger *logging.Logger) error {
	if cause == nil {
		err := r.retryFinish(ctx, logger, func() error { return lease.Succeed(ctx, payload) })
		if err == nil {
			return nil
		}
		cause = fmt.Errorf("failed to finalize job: %w", err)
		if errors.Is(err, job.ErrLockLost) {
			return cause
		}
	}
	err := r.retryFinish(ctx, logger, func() error { return lease.Fail(ctx, cause, payload) })
	if err != nil && !errors.Is(err, job.ErrLockLost) {
		logger.Error("Job left RUNNING, operator release required", "error", err)
	}
	return cause
}

func (r *Runner) retryFinish(ctx context.Context, logger *logging.Logger, finish func() error) error {
	backoff := r.cfg.FinalizeBackoff
	var err error
	for attempt := 1; attempt <= r.cfg.FinalizeAttempts; attempt++ {
		if err = finish(); err == nil || errors.Is(err, job.ErrLockLost) {
			return err
		}
		logger.Warn("Failed to finalize job", "attempt", attempt, "error", err)
		if attempt == r.cfg.FinalizeAttempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}

// ============================================================================
// execution - 单次运行
// ============================================================================

type execution struct {
	runner   *Runner
	pipeline *Pipeline
	lease    *job.Lease
	logger   *logging.Logger
	result   *RunResult

	sink     capture.MultiSink
	fileSink *capture.FileSink
	contexts []*invoker.InvocationContext
}

// run 返回失败主因
func (ex *execution) run(ctx context.Context) error {
	r, p := ex.runner, ex.pipeline
	defer ex.cleanup()

	if ctx.Err() != nil {
		return &block.CancelledError{Cause: context.Cause(ctx)}
	}

	// 全量刷新也读取当前令牌，最终写入仍然是条件写
	key := p.StateKey()
	var expected string
	var injected json.RawMessage
	entry, err := r.states.GetState(ctx, key)
	switch {
	case err == nil:
		expected = entry.Version
		if !p.FullRefresh {
			injected = entry.Payload
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("failed to read state %s: %w", key, err)
	}
	if injected != nil {
		ex.logger.Info("Resuming from stored state", "state_id", key, "version", expected)
	}

	if err := ex.openSinks(); err != nil {
		return err
	}

	stages := p.Stages()
	names := blockNames(stages)
	for i := range stages {
		opts := invoker.PrepareOptions{BlockName: names[i]}
		if i == 0 {
			opts.State = injected
		}
		ic, err := r.launcher.Prepare(ctx, &stages[i], opts)
		if err != nil {
			ex.result.Blocks = unstartedExits(stages, names, i, 0, err)
			return err
		}
		ex.contexts = append(ex.contexts, ic)
	}

	blocks := make([]*block.IOBlock, 0, len(stages))
	for i, ic := range ex.contexts {
		b, err := r.launcher.Invoke(ctx, ic, map[string]string{"ELT_RUN_ID": ex.result.RunID})
		if err != nil {
			for _, started := range blocks {
				started.Abort()
			}
			ex.result.Blocks = unstartedExits(stages, names, i, len(blocks), err)
			return err
		}
		blocks = append(blocks, b)
	}

	acc := capture.NewStateAccumulator(ex.logger)
	var dirty bool
	var dirtyMu sync.Mutex
	acc.OnCheckpoint(func(json.RawMessage) {
		r.metrics.CheckpointsTotal.WithLabelValues(p.Name).Inc()
		dirtyMu.Lock()
		dirty = true
		dirtyMu.Unlock()
	})

	loader := blocks[len(blocks)-1]
	stdout := capture.NewWriter(ex.sink, ex.line(loader.Name(), capture.StreamStdout),
		capture.WithAccumulator(acc), capture.WithMaxLineBytes(r.cfg.MaxLineBytes),
		capture.WithMaxStateBytes(r.cfg.MaxStateBytes))
	stderr := make(map[string]*capture.Writer, len(blocks))
	for _, b := range blocks {
		stderr[b.Name()] = capture.NewWriter(ex.sink, ex.line(b.Name(), capture.StreamStderr),
			capture.WithMaxLineBytes(r.cfg.MaxLineBytes))
	}

	set, err := block.NewSet(blocks, block.Options{
		Output:           stdout,
		Stderr:           func(b *block.IOBlock) io.Writer { return stderr[b.Name()] },
		TerminationGrace: r.cfg.TerminationGrace,
		BufferSize:       r.cfg.BufferSize,
		Logger:           ex.logger,
	})
	if err != nil {
		return err
	}

	// 运行中的检查点定期写入作业 payload，供失败后诊断
	flushDone := make(chan struct{})
	flushStop := make(chan struct{})
	go func() {
		defer close(flushDone)
		ticker := time.NewTicker(r.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-flushStop:
				return
			case <-ticker.C:
				dirtyMu.Lock()
				pending := dirty
				dirty = false
				dirtyMu.Unlock()
				if !pending {
					continue
				}
				payload := &model.JobPayload{State: acc.State(), FullRefresh: p.FullRefresh}
				if err := ex.lease.Checkpoint(ctx, payload); err != nil {
					ex.logger.Warn("Failed to record checkpoint", "error", err)
				}
			}
		}
	}()

	result, err := set.Run(ctx)
	close(flushStop)
	<-flushDone
	stdout.Close()
	for _, w := range stderr {
		w.Close()
	}
	if err != nil {
		return err
	}

	ex.result.FinalState = acc.State()
	ex.result.Checkpoints = acc.Count()
	ex.result.Blocks = blockExits(result.Blocks)
	for _, st := range result.Blocks {
		r.metrics.BlockExitsTotal.WithLabelValues(st.Plugin, blockResult(st.Exit.Code, st.Terminated)).Inc()
	}
	if !result.Success() {
		return result.Err()
	}
	// 丢弃的检查点可能比已识别的更新，不能把旧书签当作本次运行的结果
	if err := acc.Err(); err != nil {
		return fmt.Errorf("block %s: %w", loader.Name(), err)
	}

	select {
	case <-ex.lease.Lost():
		return job.ErrLockLost
	default:
	}
	if ex.result.FinalState == nil {
		ex.logger.Info("No state emitted, stored state left unchanged", "state_id", key)
		return nil
	}
	version, err := r.states.SetState(context.WithoutCancel(ctx), key, ex.result.FinalState, expected)
	switch {
	case err == nil:
		r.metrics.StateWritesTotal.WithLabelValues("success").Inc()
		ex.result.StateVersion = version
		ex.logger.Info("State persisted", "state_id", key, "version", version)
		return nil
	case errors.Is(err, storage.ErrVersionConflict):
		// 其他写入者已更新状态，不覆盖，由调用方重新读取后决定
		r.metrics.StateWritesTotal.WithLabelValues("conflict").Inc()
		return fmt.Errorf("state %s changed during run (expected version %q): %w", key, expected, err)
	default:
		r.metrics.StateWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to persist state %s: %w", key, err)
	}
}

func (ex *execution) line(blockName string, stream capture.Stream) capture.Line {
	return capture.Line{
		RunID:   ex.result.RunID,
		JobName: ex.pipeline.Name,
		Block:   blockName,
		Stream:  stream,
	}
}

// openSinks 运行日志：文件 + slog + 可选外部日志流
func (ex *execution) openSinks() error {
	r := ex.runner
	if r.cfg.LogDir != "" {
		fileSink, err := capture.NewFileSink(r.cfg.LogDir, ex.pipeline.Name, ex.result.RunID)
		if err != nil {
			return err
		}
		ex.fileSink = fileSink
		ex.result.LogPath = fileSink.Path()
		ex.sink = append(ex.sink, fileSink)
	}
	ex.sink = append(ex.sink, capture.NewLoggerSink(ex.logger.Named("plugin")))
	if r.appender != nil {
		ex.sink = append(ex.sink, capture.NewStreamSink(r.appender))
	}
	return nil
}

func (ex *execution) closeSinks() {
	if len(ex.sink) == 0 {
		return
	}
	if err := ex.sink.Close(); err != nil {
		ex.logger.Warn("Failed to close log sinks", "error", err)
	}
}

// cleanup 清理所有插件的私有目录
func (ex *execution) cleanup() {
	for _, ic := range ex.contexts {
		if err := ic.Cleanup(); err != nil {
			ex.logger.Warn("Failed to clean up invocation dir", "dir", ic.Dir, "error", err)
		}
	}
}

// archive 归档运行日志，失败不影响运行结果
func (ex *execution) archive(ctx context.Context) {
	r := ex.runner
	if r.archiver == nil || ex.fileSink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	key, err := r.archiver.ArchiveRunLog(ctx, ex.pipeline.Name, ex.result.RunID, ex.fileSink.Path())
	if err != nil {
		ex.logger.Warn("Failed to archive run log", "error", err)
		return
	}
	ex.result.ArchiveKey = key
}

// blockNames 默认使用插件名，同一插件出现多次时追加序号
func blockNames(stages []plugin.Descriptor) []string {
	seen := make(map[string]int, len(stages))
	for _, d := range stages {
		seen[d.Name]++
	}
	idx := make(map[string]int, len(stages))
	names := make([]string, len(stages))
	for i, d := range stages {
		names[i] = d.Name
		if seen[d.Name] > 1 {
			idx[d.Name]++
			names[i] = fmt.Sprintf("%s-%d", d.Name, idx[d.Name])
		}
	}
	return names
}

func blockExits(statuses []block.BlockStatus) []model.BlockExit {
	exits := make([]model.BlockExit, len(statuses))
	for i, st := range statuses {
		exits[i] = model.BlockExit{
			Name:      st.Name,
			Plugin:    st.Plugin,
			ExitCode:  st.Exit.Code,
			Signalled: st.Exit.Signal != "" || st.Terminated,
			Primary:   st.Primary,
		}
		if st.Err != nil {
			exits[i].Error = st.Err.Error()
		}
	}
	return exits
}

// unstartedExits 启动前失败时每个 Block 的状态：failed 为主因，started 之前的已被回收
func unstartedExits(stages []plugin.Descriptor, names []string, failed, started int, cause error) []model.BlockExit {
	exits := make([]model.BlockExit, len(stages))
	for i, d := range stages {
		exits[i] = model.BlockExit{Name: names[i], Plugin: d.Name, ExitCode: -1}
		switch {
		case i < started:
			exits[i].Signalled = true
		case i == failed:
			exits[i].NotStarted = true
			exits[i].Primary = true
			exits[i].Error = cause.Error()
		default:
			exits[i].NotStarted = true
		}
	}
	return exits
}
