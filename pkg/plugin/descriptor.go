// Package plugin 定义插件描述、设置解析与插件输出协议
//
// 插件是独立版本化的可执行文件（extractor / loader / mapper / transformer），
// 通过 stdin/stdout 上的行分隔 JSON 消息通信。本包只描述插件，不负责启动：
//
//	Catalog (YAML)
//	     │  LoadCatalog()
//	     ▼
//	Descriptor + SettingsResolver
//	     │  invoker.Prepare()
//	     ▼
//	InvocationContext → block.IOBlock
//
// 文件组织：
//   - descriptor.go: Descriptor、SettingDef、Capability
//   - settings.go: SettingsResolver 及其实现
//   - message.go: 插件输出的控制消息解析
//   - registry.go: Descriptor 注册表
//   - catalog.go: 管道与插件目录的 YAML 加载
package plugin

import (
	"fmt"
	"regexp"
	"strings"
)

// Type 插件类型
type Type string

const (
	TypeExtractor   Type = "extractor"
	TypeLoader      Type = "loader"
	TypeMapper      Type = "mapper"
	TypeTransformer Type = "transformer"
)

// IsValid 是否为合法类型
func (t Type) IsValid() bool {
	switch t {
	case TypeExtractor, TypeLoader, TypeMapper, TypeTransformer:
		return true
	}
	return false
}

// Capability 插件声明的能力
type Capability string

const (
	// CapabilityState 接受注入的增量状态（--state）
	CapabilityState Capability = "state"
	// CapabilityDiscover 支持 schema 发现
	CapabilityDiscover Capability = "discover"
	// CapabilityCatalog 接受 catalog 文件
	CapabilityCatalog Capability = "catalog"
)

const (
	DefaultConfigFlag = "--config"
	DefaultStateFlag  = "--state"
)

// SettingDef 插件声明的一项设置
type SettingDef struct {
	Name     string `yaml:"name" json:"name"`
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	// Env 设置值额外导出为该环境变量
	Env    string `yaml:"env,omitempty" json:"env,omitempty"`
	Secret bool   `yaml:"secret,omitempty" json:"secret,omitempty"`
}

// Descriptor 插件描述，由外部目录提供，核心只读
type Descriptor struct {
	Name       string   `yaml:"name" json:"name"`
	Type       Type     `yaml:"type" json:"type"`
	Executable string   `yaml:"executable" json:"executable"`
	Args       []string `yaml:"args,omitempty" json:"args,omitempty"`

	// ConfigFlag 传递配置文件路径的参数，默认 --config
	ConfigFlag string `yaml:"config_flag,omitempty" json:"config_flag,omitempty"`
	// ConfigEnv 非空时同时通过该环境变量传递配置文件路径
	ConfigEnv string `yaml:"config_env,omitempty" json:"config_env,omitempty"`
	// StateFlag 传递状态文件路径的参数，默认 --state
	StateFlag string `yaml:"state_flag,omitempty" json:"state_flag,omitempty"`

	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Settings     []SettingDef      `yaml:"settings,omitempty" json:"settings,omitempty"`
	RequiredEnv  []string          `yaml:"required_env,omitempty" json:"required_env,omitempty"`
	Capabilities []Capability      `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`

	// Config 目录中为该插件配置的设置值（继承层）
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate 校验描述是否完整
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid plugin name %q", d.Name)
	}
	if !d.Type.IsValid() {
		return fmt.Errorf("plugin %s: invalid type %q", d.Name, d.Type)
	}
	if d.Executable == "" {
		return fmt.Errorf("plugin %s: executable is required", d.Name)
	}
	seen := make(map[string]bool, len(d.Settings))
	for _, s := range d.Settings {
		if s.Name == "" {
			return fmt.Errorf("plugin %s: setting name is required", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("plugin %s: duplicate setting %q", d.Name, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// HasCapability 是否声明了某项能力
func (d *Descriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Setting 按名称查找设置定义
func (d *Descriptor) Setting(name string) (SettingDef, bool) {
	for _, s := range d.Settings {
		if s.Name == name {
			return s, true
		}
	}
	return SettingDef{}, false
}

// ConfigArg 配置文件参数名
func (d *Descriptor) ConfigArg() string {
	if d.ConfigFlag != "" {
		return d.ConfigFlag
	}
	return DefaultConfigFlag
}

// StateArg 状态文件参数名
func (d *Descriptor) StateArg() string {
	if d.StateFlag != "" {
		return d.StateFlag
	}
	return DefaultStateFlag
}

var envUnsafe = regexp.MustCompile(`[^A-Z0-9]+`)

// EnvName 设置对应的环境变量名：<PLUGIN>_<SETTING>
//
// 例如 tap-postgres 的 replication.slot → TAP_POSTGRES_REPLICATION_SLOT
func EnvName(pluginName, setting string) string {
	name := strings.ToUpper(pluginName + "_" + setting)
	return strings.Trim(envUnsafe.ReplaceAllString(name, "_"), "_")
}
