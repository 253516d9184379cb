// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	RunIDKey   ContextKey = "run_id"
	JobNameKey ContextKey = "job_name"
	BlockKey   ContextKey = "block"
	PluginKey  ContextKey = "plugin"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
	root      *slog.Logger
}

// Config 日志配置
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json or text
	Output    string `yaml:"output"` // stdout, stderr, discard, or file path
	Component string `yaml:"-"`
}

// ParseLevel 解析日志级别，未知值按 info 处理
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "discard":
		output = io.Discard
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}
	return NewWithWriter(cfg, output)
}

// NewWithWriter 使用指定 Writer 创建日志器
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	root := slog.New(handler)
	return &Logger{
		Logger:    root.With(slog.String("component", cfg.Component)),
		component: cfg.Component,
		root:      root,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stderr",
		Component: component,
	})
}

// Nop 丢弃所有输出的日志器（测试用）
func Nop() *Logger {
	return New(Config{Output: "discard"})
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

// Named 派生子组件日志器
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		Logger:    l.root.With(slog.String("component", component)),
		component: component,
		root:      l.root,
	}
}

// WithContext 从上下文提取运行信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range []ContextKey{RunIDKey, JobNameKey, BlockKey, PluginKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
		root:      l.root,
	}
}

// ContextWithRun 在上下文中记录 run 与 job
func ContextWithRun(ctx context.Context, runID, jobName string) context.Context {
	ctx = context.WithValue(ctx, RunIDKey, runID)
	return context.WithValue(ctx, JobNameKey, jobName)
}

// WithRunID 添加 Run ID
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("run_id", runID)),
		component: l.component,
		root:      l.root,
	}
}

// WithJob 添加 Job 名称
func (l *Logger) WithJob(jobName string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("job_name", jobName)),
		component: l.component,
		root:      l.root,
	}
}

// WithBlock 添加 Block 名称
func (l *Logger) WithBlock(block string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("block", block)),
		component: l.component,
		root:      l.root,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
		root:      l.root,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		component: l.component,
		root:      l.root,
	}
}

// BlockExitLog Block 退出日志
func (l *Logger) BlockExitLog(block string, exitCode int, signalled bool, err error) {
	attrs := []any{
		slog.String("block", block),
		slog.Int("exit_code", exitCode),
		slog.Bool("signalled", signalled),
	}
	switch {
	case err != nil && !signalled:
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("Block failed", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Block stopped", attrs...)
	default:
		l.Logger.Info("Block exited", attrs...)
	}
}

// HeartbeatLog 心跳日志
func (l *Logger) HeartbeatLog(jobID string, latency time.Duration, err error) {
	attrs := []any{
		slog.String("job_id", jobID),
		slog.Float64("latency_ms", float64(latency.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Heartbeat failed", attrs...)
	} else {
		l.Logger.Debug("Heartbeat sent", attrs...)
	}
}
