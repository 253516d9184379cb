package plugin

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PipelineDef 目录中的管道定义
type PipelineDef struct {
	Name      string   `yaml:"name"`
	Extractor string   `yaml:"extractor"`
	Mappers   []string `yaml:"mappers,omitempty"`
	Loader    string   `yaml:"loader"`
	// StateID 状态存储键，默认与 Name 相同
	StateID string `yaml:"state_id,omitempty"`
}

// Catalog 插件与管道目录
//
//	plugins:
//	  - name: tap-orders
//	    type: extractor
//	    executable: tap-orders
//	    capabilities: [state]
//	    settings:
//	      - {name: api_url, required: true}
//	pipelines:
//	  - name: orders-sync
//	    extractor: tap-orders
//	    loader: target-warehouse
type Catalog struct {
	Plugins   []Descriptor  `yaml:"plugins"`
	Pipelines []PipelineDef `yaml:"pipelines"`

	registry *Registry
}

// LoadCatalog 从 YAML 文件加载目录
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog 解析目录并校验引用
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c.registry = NewRegistry()
	for _, d := range c.Plugins {
		if err := c.registry.Register(d); err != nil {
			return nil, err
		}
	}

	names := make(map[string]bool, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if p.Name == "" {
			return nil, fmt.Errorf("pipeline name is required")
		}
		if names[p.Name] {
			return nil, fmt.Errorf("duplicate pipeline %q", p.Name)
		}
		names[p.Name] = true
		if err := c.checkRef(p.Name, p.Extractor, TypeExtractor); err != nil {
			return nil, err
		}
		for _, m := range p.Mappers {
			if err := c.checkRef(p.Name, m, ""); err != nil {
				return nil, err
			}
		}
		if err := c.checkRef(p.Name, p.Loader, TypeLoader); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (c *Catalog) checkRef(pipeline, name string, want Type) error {
	d, ok := c.registry.Get(name)
	if !ok {
		return fmt.Errorf("pipeline %s: unknown plugin %q", pipeline, name)
	}
	if want != "" && d.Type != want {
		return fmt.Errorf("pipeline %s: plugin %s is a %s, want %s", pipeline, name, d.Type, want)
	}
	return nil
}

// Registry 目录中的插件注册表
func (c *Catalog) Registry() *Registry {
	return c.registry
}

// Pipeline 按名称查找管道
func (c *Catalog) Pipeline(name string) (*PipelineDef, bool) {
	for i := range c.Pipelines {
		if c.Pipelines[i].Name == name {
			return &c.Pipelines[i], true
		}
	}
	return nil, false
}
