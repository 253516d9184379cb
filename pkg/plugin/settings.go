package plugin

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
)

// SettingsResolver 将插件名解析为 设置名 → 生效值
//
// Invoker 以解析结果为准，不自行实现优先级规则。
type SettingsResolver interface {
	Resolve(ctx context.Context, pluginName string) (map[string]any, error)
}

// ResolverFunc 函数适配器
type ResolverFunc func(ctx context.Context, pluginName string) (map[string]any, error)

// Resolve 实现 SettingsResolver
func (f ResolverFunc) Resolve(ctx context.Context, pluginName string) (map[string]any, error) {
	return f(ctx, pluginName)
}

// StaticResolver 固定值，按插件名索引
type StaticResolver map[string]map[string]any

// Resolve 实现 SettingsResolver
func (s StaticResolver) Resolve(_ context.Context, pluginName string) (map[string]any, error) {
	out := make(map[string]any, len(s[pluginName]))
	for k, v := range s[pluginName] {
		out[k] = v
	}
	return out, nil
}

// ============================================================================
// LayeredResolver - 分层解析
// ============================================================================

// LayeredResolver 按层合并，后面的层覆盖前面的层
//
// 常用顺序：defaults < inherited < environment < override，
// 见 NewLayeredResolver。nil 层被跳过。
type LayeredResolver struct {
	Layers []SettingsResolver
}

// NewLayeredResolver 按 defaults < inherited < environment < override 组装
func NewLayeredResolver(registry *Registry, override SettingsResolver) *LayeredResolver {
	return &LayeredResolver{
		Layers: []SettingsResolver{
			DefaultsResolver{Registry: registry},
			InheritedResolver{Registry: registry},
			&EnvResolver{Registry: registry},
			override,
		},
	}
}

// Resolve 实现 SettingsResolver
func (r *LayeredResolver) Resolve(ctx context.Context, pluginName string) (map[string]any, error) {
	out := make(map[string]any)
	for _, layer := range r.Layers {
		if layer == nil {
			continue
		}
		values, err := layer.Resolve(ctx, pluginName)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			out[k] = v
		}
	}
	return out, nil
}

// DefaultsResolver 设置定义中的默认值
type DefaultsResolver struct {
	Registry *Registry
}

// Resolve 实现 SettingsResolver
func (r DefaultsResolver) Resolve(_ context.Context, pluginName string) (map[string]any, error) {
	out := make(map[string]any)
	desc, ok := r.Registry.Get(pluginName)
	if !ok {
		return out, nil
	}
	for _, s := range desc.Settings {
		if s.Default != nil {
			out[s.Name] = s.Default
		}
	}
	return out, nil
}

// InheritedResolver 目录中为插件配置的值
type InheritedResolver struct {
	Registry *Registry
}

// Resolve 实现 SettingsResolver
func (r InheritedResolver) Resolve(_ context.Context, pluginName string) (map[string]any, error) {
	out := make(map[string]any)
	desc, ok := r.Registry.Get(pluginName)
	if !ok {
		return out, nil
	}
	for k, v := range desc.Config {
		out[k] = v
	}
	return out, nil
}

// EnvResolver 从环境变量读取已声明的设置
//
// 变量名优先取 SettingDef.Env，否则为 EnvName(plugin, setting)。
// 形如 JSON 数字、布尔、对象、数组的值按 JSON 解析，其余按字符串处理。
type EnvResolver struct {
	Registry *Registry
	// Lookup 默认 os.LookupEnv
	Lookup func(key string) (string, bool)
}

// Resolve 实现 SettingsResolver
func (r *EnvResolver) Resolve(_ context.Context, pluginName string) (map[string]any, error) {
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make(map[string]any)
	desc, ok := r.Registry.Get(pluginName)
	if !ok {
		return out, nil
	}
	for _, s := range desc.Settings {
		keys := []string{EnvName(pluginName, s.Name)}
		if s.Env != "" {
			keys = append([]string{s.Env}, keys...)
		}
		for _, key := range keys {
			if v, ok := lookup(key); ok {
				out[s.Name] = parseEnvValue(v)
				break
			}
		}
	}
	return out, nil
}

func parseEnvValue(v string) any {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return v
	}
	switch trimmed[0] {
	case '{', '[', 't', 'f', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return v
}

// ============================================================================
// 工具函数
// ============================================================================

// NestDotted 将点分键展开为嵌套对象
//
//	{"a.b.c": 1, "a.d": 2} → {"a": {"b": {"c": 1}, "d": 2}}
//
// 与已有标量冲突时后处理的键覆盖前者，键按字典序处理以保证结果确定。
func NestDotted(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, key := range keys {
		parts := strings.Split(key, ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		leaf := parts[len(parts)-1]
		if nested, ok := flat[key].(map[string]any); ok {
			if existing, ok := node[leaf].(map[string]any); ok {
				for k, v := range NestDotted(nested) {
					existing[k] = v
				}
				continue
			}
			node[leaf] = NestDotted(nested)
			continue
		}
		node[leaf] = flat[key]
	}
	return out
}
