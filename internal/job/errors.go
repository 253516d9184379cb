package job

import (
	"errors"
	"fmt"

	"elt-runner/internal/shared/storage"
)

// ErrConfirmationRequired 强制释放缺少操作员确认
var ErrConfirmationRequired = errors.New("force release requires explicit confirmation and operator")

// ErrLockLost 运行锁已被强制释放或作业已被终结
var ErrLockLost = errors.New("run lock lost")

// LockContentionError 同名作业已在运行
type LockContentionError struct {
	JobName string
	// Holder 持有锁的作业 ID，查询失败时为空
	Holder string
}

func (e *LockContentionError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("job %s is already running", e.JobName)
	}
	return fmt.Sprintf("job %s is already running (held by %s)", e.JobName, e.Holder)
}

// Unwrap 便于用 errors.Is(err, storage.ErrLockHeld) 判断
func (e *LockContentionError) Unwrap() error { return storage.ErrLockHeld }
