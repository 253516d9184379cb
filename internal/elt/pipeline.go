package elt

import (
	"fmt"

	"elt-runner/pkg/plugin"
)

// 触发来源
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// Pipeline 一次 ELT 运行的定义：extractor → [mappers] → loader
type Pipeline struct {
	Name      string
	Extractor plugin.Descriptor
	Mappers   []plugin.Descriptor
	Loader    plugin.Descriptor

	// FullRefresh 忽略已存状态，从头同步
	FullRefresh bool
	// StateID 状态存储键，默认与 Name 相同
	StateID string
	// Trigger 触发来源，记录到作业上
	Trigger string
}

// StateKey 状态存储键
func (p *Pipeline) StateKey() string {
	if p.StateID != "" {
		return p.StateID
	}
	return p.Name
}

// Stages 按链路顺序返回所有插件
func (p *Pipeline) Stages() []plugin.Descriptor {
	stages := make([]plugin.Descriptor, 0, len(p.Mappers)+2)
	stages = append(stages, p.Extractor)
	stages = append(stages, p.Mappers...)
	return append(stages, p.Loader)
}

// Validate 校验管道定义
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if p.Extractor.Type != plugin.TypeExtractor {
		return fmt.Errorf("pipeline %s: %s is not an extractor", p.Name, p.Extractor.Name)
	}
	if p.Loader.Type != plugin.TypeLoader {
		return fmt.Errorf("pipeline %s: %s is not a loader", p.Name, p.Loader.Name)
	}
	return nil
}

// PipelineFromCatalog 从目录构造管道
func PipelineFromCatalog(c *plugin.Catalog, name string) (*Pipeline, error) {
	def, ok := c.Pipeline(name)
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}
	reg := c.Registry()
	lookup := func(n string) (plugin.Descriptor, error) {
		d, ok := reg.Get(n)
		if !ok {
			return plugin.Descriptor{}, fmt.Errorf("pipeline %s: unknown plugin %q", name, n)
		}
		return *d, nil
	}

	p := &Pipeline{Name: def.Name, StateID: def.StateID, Trigger: TriggerManual}
	var err error
	if p.Extractor, err = lookup(def.Extractor); err != nil {
		return nil, err
	}
	for _, m := range def.Mappers {
		d, err := lookup(m)
		if err != nil {
			return nil, err
		}
		p.Mappers = append(p.Mappers, d)
	}
	if p.Loader, err = lookup(def.Loader); err != nil {
		return nil, err
	}
	return p, p.Validate()
}
