package capture

import (
	"bytes"
	"sync"
	"time"
)

const (
	// DefaultMaxLineBytes 单行写入日志的长度上限
	DefaultMaxLineBytes = 1024 * 1024
	// DefaultMaxStateBytes 参与状态分类的单行长度上限
	DefaultMaxStateBytes = 16 * 1024 * 1024
)

// Writer 行缓冲的分流写入器
//
// 写入的字节按 \n 切分，每个完整行交给 Sink，并在配置了 StateAccumulator 时交给它分类。
// 超过 maxLine 的行在日志中截断，但仍按完整内容分类，直到 maxState；
// 超过 maxState 的行交给 StateAccumulator.Oversized 计数。
// Write 永不返回错误，Sink 失败只记录在 Err 中。
type Writer struct {
	mu       sync.Mutex
	sink     Sink
	template Line
	acc      *StateAccumulator
	maxLine  int
	maxState int

	buf       []byte
	truncated bool
	// overflow 超出 maxLine 的部分，仅在分类时保留
	overflow  []byte
	oversized bool
	lineBytes int
	sinkErr   error
	lines     int
}

// WriterOption Writer 选项
type WriterOption func(*Writer)

// WithAccumulator 对每行做状态消息分类
func WithAccumulator(acc *StateAccumulator) WriterOption {
	return func(w *Writer) { w.acc = acc }
}

// WithMaxLineBytes 设置单行长度上限
func WithMaxLineBytes(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.maxLine = n
		}
	}
}

// WithMaxStateBytes 设置参与状态分类的单行长度上限
func WithMaxStateBytes(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.maxState = n
		}
	}
}

// NewWriter 创建写入器，template 提供 RunID、JobName、Block、Stream
func NewWriter(sink Sink, template Line, opts ...WriterOption) *Writer {
	w := &Writer{
		sink:     sink,
		template: template,
		maxLine:  DefaultMaxLineBytes,
		maxState: DefaultMaxStateBytes,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write 实现 io.Writer
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			w.appendLocked(rest)
			break
		}
		w.appendLocked(rest[:i])
		w.emitLocked()
		rest = rest[i+1:]
	}
	return len(p), nil
}

// Close 输出末尾不完整的行
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 || w.truncated {
		w.emitLocked()
	}
	return nil
}

// Err 第一个 Sink 错误
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sinkErr
}

// Lines 已输出的行数
func (w *Writer) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

func (w *Writer) appendLocked(b []byte) {
	w.lineBytes += len(b)
	room := w.maxLine - len(w.buf)
	if len(b) > room {
		w.truncated = true
		w.keepOverflowLocked(b[room:])
		b = b[:room]
	}
	w.buf = append(w.buf, b...)
}

func (w *Writer) keepOverflowLocked(b []byte) {
	if w.acc == nil || w.oversized {
		return
	}
	if w.maxLine+len(w.overflow)+len(b) > w.maxState {
		w.oversized = true
		w.overflow = nil
		return
	}
	w.overflow = append(w.overflow, b...)
}

func (w *Writer) emitLocked() {
	text := bytes.TrimSuffix(w.buf, []byte{'\r'})
	line := w.template
	line.Text = string(text)
	line.Time = time.Now()
	line.Truncated = w.truncated

	if w.acc != nil {
		switch {
		case !w.truncated:
			w.acc.Observe(w.template.Block, text)
		case w.oversized:
			w.acc.Oversized(w.template.Block, w.buf, w.lineBytes)
		default:
			full := append(w.buf, w.overflow...)
			w.acc.Observe(w.template.Block, bytes.TrimSuffix(full, []byte{'\r'}))
		}
	}
	if w.sink != nil {
		if err := w.sink.WriteLine(line); err != nil && w.sinkErr == nil {
			w.sinkErr = err
		}
	}
	w.lines++
	w.buf = w.buf[:0]
	w.truncated = false
	w.overflow = nil
	w.oversized = false
	w.lineBytes = 0
}
