package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"elt-runner/pkg/logging"
	"elt-runner/pkg/plugin"
)

// ErrCheckpointTooLarge 有控制消息超过分类长度上限被丢弃
var ErrCheckpointTooLarge = errors.New("control message exceeds max state size")

// StateAccumulator 从输出行中提取状态检查点，最后一条生效
type StateAccumulator struct {
	mu        sync.Mutex
	logger    *logging.Logger
	state     json.RawMessage
	count     int
	malformed int
	dropped   int

	onCheckpoint func(state json.RawMessage)
}

// NewStateAccumulator 创建检查点累加器
func NewStateAccumulator(logger *logging.Logger) *StateAccumulator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &StateAccumulator{logger: logger}
}

// OnCheckpoint 每次识别到检查点时回调，在复制循环中同步执行，必须快速返回
func (a *StateAccumulator) OnCheckpoint(fn func(state json.RawMessage)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCheckpoint = fn
}

// Observe 分类一行输出
func (a *StateAccumulator) Observe(block string, line []byte) {
	msg, err := plugin.ParseMessage(line)
	if err != nil {
		a.mu.Lock()
		a.malformed++
		a.mu.Unlock()
		a.logger.Warn("Ignoring malformed control message", "block", block, "error", err)
		return
	}
	if !msg.IsState() {
		return
	}

	value := make(json.RawMessage, len(msg.Value))
	copy(value, msg.Value)

	a.mu.Lock()
	a.state = value
	a.count++
	hook := a.onCheckpoint
	a.mu.Unlock()

	if hook != nil {
		hook(value)
	}
}

// Oversized 记录一行因超长无法分类的输出
//
// prefix 形似状态消息时计为畸形并计入 Dropped，普通超长行忽略。
func (a *StateAccumulator) Oversized(block string, prefix []byte, size int) {
	if !plugin.LooksLikeState(prefix) {
		return
	}
	a.mu.Lock()
	a.malformed++
	a.dropped++
	a.mu.Unlock()
	a.logger.Warn("Dropping oversized control message", "block", block, "bytes", size)
}

// State 最近一次检查点，没有时为 nil
func (a *StateAccumulator) State() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Count 已识别的检查点数量
func (a *StateAccumulator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Malformed 被忽略的畸形控制消息数量
func (a *StateAccumulator) Malformed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.malformed
}

// Dropped 因超长被丢弃的控制消息数量
func (a *StateAccumulator) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Err 有控制消息被丢弃时返回 ErrCheckpointTooLarge
func (a *StateAccumulator) Err() error {
	if n := a.Dropped(); n > 0 {
		return fmt.Errorf("%w: %d dropped", ErrCheckpointTooLarge, n)
	}
	return nil
}
