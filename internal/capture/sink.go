// Package capture 把插件进程的输出分流到日志与状态提取
//
//	stdout/stderr 字节流
//	      │  Writer（按行切分）
//	      ├──▶ Sink（运行日志文件 / slog / Redis Stream）
//	      └──▶ StateAccumulator（识别 STATE 消息，最后一条生效）
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"elt-runner/pkg/logging"
)

// Stream 流名称
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Line 一行输出
type Line struct {
	RunID   string
	JobName string
	Block   string
	Stream  Stream
	Text    string
	Time    time.Time
	// Truncated 原始行超过长度上限被截断
	Truncated bool
}

// Sink 日志落地
type Sink interface {
	WriteLine(line Line) error
	Close() error
}

// ============================================================================
// FileSink - 每次运行一个日志文件
// ============================================================================

// FileSink 写入 <log_dir>/<job>/<run_id>/elt.log
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewFileSink 创建运行日志文件
func NewFileSink(logDir, jobName, runID string) (*FileSink, error) {
	dir := filepath.Join(logDir, filepath.Base(jobName), filepath.Base(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	path := filepath.Join(dir, "elt.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return &FileSink{f: f, path: path}, nil
}

// Path 日志文件路径
func (s *FileSink) Path() string { return s.path }

// WriteLine 实现 Sink
func (s *FileSink) WriteLine(line Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	_, err := fmt.Fprintf(s.f, "%s %s %s | %s\n",
		line.Time.UTC().Format(time.RFC3339Nano), line.Block, line.Stream, line.Text)
	return err
}

// Close 实现 Sink，可重复调用
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ============================================================================
// LoggerSink - 结构化日志
// ============================================================================

// LoggerSink 写入 pkg/logging；stderr 记为 info，stdout 记为 debug
type LoggerSink struct {
	logger *logging.Logger
}

// NewLoggerSink 创建日志 Sink
func NewLoggerSink(logger *logging.Logger) *LoggerSink {
	return &LoggerSink{logger: logger}
}

// WriteLine 实现 Sink
func (s *LoggerSink) WriteLine(line Line) error {
	attrs := []any{"block", line.Block, "stream", string(line.Stream)}
	if line.Truncated {
		attrs = append(attrs, "truncated", true)
	}
	if line.Stream == StreamStderr {
		s.logger.Info(line.Text, attrs...)
	} else {
		s.logger.Debug(line.Text, attrs...)
	}
	return nil
}

// Close 实现 Sink
func (s *LoggerSink) Close() error { return nil }

// ============================================================================
// MultiSink - 扇出
// ============================================================================

// MultiSink 依次写入所有 Sink，返回第一个错误
type MultiSink []Sink

// WriteLine 实现 Sink
func (m MultiSink) WriteLine(line Line) error {
	var first error
	for _, s := range m {
		if err := s.WriteLine(line); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close 实现 Sink
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// StreamSink - 追加到外部日志流
// ============================================================================

// LogAppender 外部日志流，由 Redis Streams 实现
type LogAppender interface {
	AppendLog(ctx context.Context, runID string, values map[string]interface{}) error
}

// StreamSink 把每行追加到 LogAppender
type StreamSink struct {
	appender LogAppender
	timeout  time.Duration
}

// NewStreamSink 创建流 Sink
func NewStreamSink(appender LogAppender) *StreamSink {
	return &StreamSink{appender: appender, timeout: 2 * time.Second}
}

// WriteLine 实现 Sink
func (s *StreamSink) WriteLine(line Line) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.appender.AppendLog(ctx, line.RunID, map[string]interface{}{
		"job":    line.JobName,
		"block":  line.Block,
		"stream": string(line.Stream),
		"text":   line.Text,
		"ts":     line.Time.UTC().Format(time.RFC3339Nano),
	})
}

// Close 实现 Sink
func (s *StreamSink) Close() error { return nil }
