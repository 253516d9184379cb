// Package invoker 插件调用层：物化配置、启动进程、清理临时文件
//
// 生命周期：
//
//	Prepare()  → InvocationContext（私有目录、config.json、state.json、环境变量）
//	Invoke()   → block.IOBlock（进程已启动）
//	Cleanup()  → 删除私有目录，任何退出路径都要调用，可重复调用
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"elt-runner/internal/block"
	"elt-runner/pkg/logging"
	"elt-runner/pkg/plugin"
)

const (
	configFileName = "config.json"
	stateFileName  = "state.json"
)

// Config 调用层配置
type Config struct {
	// RunDir 每次调用的私有目录创建在该目录下
	RunDir string
	// BaseEnv 子进程的基础环境，nil 时继承当前进程环境
	BaseEnv []string
	// WorkDir 子进程工作目录，为空时使用私有目录
	WorkDir string
}

// Invoker 插件调用器
type Invoker struct {
	cfg      Config
	resolver plugin.SettingsResolver
	logger   *logging.Logger
}

// New 创建调用器；resolver 的结果被视为权威值
func New(cfg Config, resolver plugin.SettingsResolver, logger *logging.Logger) *Invoker {
	if cfg.RunDir == "" {
		cfg.RunDir = os.TempDir()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Invoker{cfg: cfg, resolver: resolver, logger: logger}
}

// PrepareOptions 单次调用参数
type PrepareOptions struct {
	// BlockName Block 名，默认插件名
	BlockName string
	// State 注入的增量状态，插件声明 state 能力时写入 state.json
	State json.RawMessage
	// Env 显式环境变量，优先级最高
	Env map[string]string
}

// InvocationContext 一次调用的物化结果
type InvocationContext struct {
	Descriptor plugin.Descriptor
	BlockName  string
	Dir        string
	ConfigPath string
	// StatePath 未注入状态时为空
	StatePath string
	Env       map[string]string
	WorkDir   string

	cleanupOnce sync.Once
	cleanupErr  error
}

// Prepare 解析设置并把配置物化到私有目录
func (inv *Invoker) Prepare(ctx context.Context, desc *plugin.Descriptor, opts PrepareOptions) (*InvocationContext, error) {
	if err := desc.Validate(); err != nil {
		return nil, &ConfigurationError{Plugin: desc.Name, Err: err}
	}

	values, err := inv.resolveSettings(ctx, desc)
	if err != nil {
		return nil, err
	}

	env := inv.buildEnv(desc, values, opts.Env)
	var missingEnv []string
	for _, key := range desc.RequiredEnv {
		if env[key] == "" {
			missingEnv = append(missingEnv, key)
		}
	}
	if len(missingEnv) > 0 {
		return nil, &ConfigurationError{Plugin: desc.Name, MissingEnv: missingEnv}
	}

	if err := os.MkdirAll(inv.cfg.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}
	dir, err := os.MkdirTemp(inv.cfg.RunDir, desc.Name+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create invocation dir: %w", err)
	}
	// MkdirTemp 已是 0700，这里显式确认不受 umask 影响
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to secure invocation dir: %w", err)
	}

	ic := &InvocationContext{
		Descriptor: *desc,
		BlockName:  opts.BlockName,
		Dir:        dir,
		ConfigPath: filepath.Join(dir, configFileName),
		Env:        env,
		WorkDir:    inv.cfg.WorkDir,
	}
	if ic.BlockName == "" {
		ic.BlockName = desc.Name
	}
	if ic.WorkDir == "" {
		ic.WorkDir = dir
	}

	config, err := json.MarshalIndent(plugin.NestDotted(values), "", "  ")
	if err != nil {
		ic.Cleanup()
		return nil, &ConfigurationError{Plugin: desc.Name, Err: fmt.Errorf("settings are not serializable: %w", err)}
	}
	if err := os.WriteFile(ic.ConfigPath, config, 0o600); err != nil {
		ic.Cleanup()
		return nil, fmt.Errorf("failed to write config: %w", err)
	}

	if len(opts.State) > 0 && desc.HasCapability(plugin.CapabilityState) {
		ic.StatePath = filepath.Join(dir, stateFileName)
		if err := os.WriteFile(ic.StatePath, opts.State, 0o600); err != nil {
			ic.Cleanup()
			return nil, fmt.Errorf("failed to write state: %w", err)
		}
	}

	inv.logger.Debug("Invocation prepared", "plugin", desc.Name, "dir", dir, "state", ic.StatePath != "")
	return ic, nil
}

// resolveSettings 取解析器的值，补默认值，校验必填项
func (inv *Invoker) resolveSettings(ctx context.Context, desc *plugin.Descriptor) (map[string]any, error) {
	values := make(map[string]any)
	if inv.resolver != nil {
		resolved, err := inv.resolver.Resolve(ctx, desc.Name)
		if err != nil {
			return nil, &ConfigurationError{Plugin: desc.Name, Err: fmt.Errorf("failed to resolve settings: %w", err)}
		}
		for k, v := range resolved {
			values[k] = v
		}
	}

	var missing []string
	for _, s := range desc.Settings {
		if isUnset(values[s.Name]) {
			if s.Default != nil {
				values[s.Name] = s.Default
				continue
			}
			delete(values, s.Name)
			if s.Required {
				missing = append(missing, s.Name)
			}
		}
	}
	if len(missing) > 0 {
		return nil, &ConfigurationError{Plugin: desc.Name, Missing: missing}
	}
	return values, nil
}

func isUnset(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// buildEnv 基础环境 < 描述中的 env < 设置导出 < 显式覆盖
func (inv *Invoker) buildEnv(desc *plugin.Descriptor, values map[string]any, override map[string]string) map[string]string {
	base := inv.cfg.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := make(map[string]string, len(base)+len(desc.Env)+len(override))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range desc.Env {
		env[k] = v
	}
	for _, s := range desc.Settings {
		if s.Env == "" {
			continue
		}
		if v, ok := values[s.Name]; ok {
			env[s.Env] = envString(v)
		}
	}
	for k, v := range override {
		env[k] = v
	}
	return env
}

func envString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Args 命令行参数：Args... ConfigFlag <config> [StateFlag <state>]
func (ic *InvocationContext) Args() []string {
	args := append([]string(nil), ic.Descriptor.Args...)
	args = append(args, ic.Descriptor.ConfigArg(), ic.ConfigPath)
	if ic.StatePath != "" {
		args = append(args, ic.Descriptor.StateArg(), ic.StatePath)
	}
	return args
}

// Environ 排序后的 KEY=VALUE 列表
func (ic *InvocationContext) Environ(extra map[string]string) []string {
	merged := make(map[string]string, len(ic.Env)+len(extra)+1)
	for k, v := range ic.Env {
		merged[k] = v
	}
	if ic.Descriptor.ConfigEnv != "" {
		merged[ic.Descriptor.ConfigEnv] = ic.ConfigPath
	}
	for k, v := range extra {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Cleanup 删除私有目录；可重复调用，只删除 Prepare 创建的目录
func (ic *InvocationContext) Cleanup() error {
	ic.cleanupOnce.Do(func() {
		if ic.Dir == "" {
			return
		}
		ic.cleanupErr = os.RemoveAll(ic.Dir)
	})
	return ic.cleanupErr
}

// Invoke 启动插件进程，返回已启动的 IOBlock
//
// 可执行文件缺失或无权限时返回 *InvocationError；非零退出不是本层的错误。
func (inv *Invoker) Invoke(ctx context.Context, ic *InvocationContext, extraEnv map[string]string) (*block.IOBlock, error) {
	desc := ic.Descriptor
	path, err := lookExecutable(desc.Executable, ic.Env["PATH"])
	if err != nil {
		return nil, invocationError(desc, err)
	}

	task := block.NewProcessTask(ic.BlockName, path, ic.Args(), ic.Environ(extraEnv), ic.WorkDir)
	b := block.NewIOBlock(ic.BlockName, desc.Name, task)
	start := time.Now()
	if err := b.Start(ctx); err != nil {
		return nil, invocationError(desc, err)
	}
	inv.logger.Info("Plugin started",
		"plugin", desc.Name,
		"block", ic.BlockName,
		"pid", b.Pid(),
		"startup_ms", time.Since(start).Milliseconds(),
	)
	return b, nil
}

// lookExecutable 在子进程的 PATH 中查找可执行文件
func lookExecutable(name, pathEnv string) (string, error) {
	if strings.Contains(name, "/") {
		info, err := os.Stat(name)
		if err != nil {
			return "", err
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			return "", fs.ErrPermission
		}
		return name, nil
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return exec.LookPath(name)
}

func invocationError(desc plugin.Descriptor, err error) *InvocationError {
	reason := err.Error()
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrNotFound):
		reason = "executable not found"
	case errors.Is(err, fs.ErrPermission):
		reason = "permission denied"
	}
	return &InvocationError{Plugin: desc.Name, Executable: desc.Executable, Reason: reason, Err: err}
}
