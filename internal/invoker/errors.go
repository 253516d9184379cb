package invoker

import (
	"fmt"
	"strings"
)

// ConfigurationError 设置缺失或无效，在任何进程启动前报告
type ConfigurationError struct {
	Plugin string
	// Missing 未设置且无默认值的必填设置
	Missing []string
	// MissingEnv 缺失的必需环境变量
	MissingEnv []string
	Err        error
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required settings: "+strings.Join(e.Missing, ", "))
	}
	if len(e.MissingEnv) > 0 {
		parts = append(parts, "missing required environment: "+strings.Join(e.MissingEnv, ", "))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return fmt.Sprintf("plugin %s: configuration error: %s", e.Plugin, strings.Join(parts, "; "))
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// InvocationError 可执行文件缺失或无执行权限，不在本层重试
type InvocationError struct {
	Plugin     string
	Executable string
	Reason     string
	Err        error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("plugin %s: cannot invoke %s: %s", e.Plugin, e.Executable, e.Reason)
}

func (e *InvocationError) Unwrap() error { return e.Err }
