package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry 插件描述注册表
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Descriptor
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Descriptor),
	}
}

// Register 注册插件描述，同名重复注册返回错误
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[d.Name]; exists {
		return fmt.Errorf("plugin %s already registered", d.Name)
	}
	r.plugins[d.Name] = &d
	return nil
}

// Get 获取插件描述
func (r *Registry) Get(name string) (*Descriptor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.plugins[name]
	return d, ok
}

// List 列出所有插件名
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
