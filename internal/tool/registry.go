package tool

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "MCP-Flow/internal/errors"
)

// Catalog models the structure of configs/tools.yaml.
type Catalog struct {
	Tools []Descriptor `yaml:"tools"`
}

// Registry 保存从目录文件加载的全部工具描述，加载完成后只读。
type Registry struct {
	tools map[string]Descriptor
}

// LoadRegistry parses the YAML catalog file and builds the registry.
func LoadRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return NewRegistry(nil)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工具目录失败: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return nil, fmt.Errorf("解析工具目录失败: %w", err)
	}
	return NewRegistry(catalog.Tools)
}

// NewRegistry 根据给定的描述列表构建注册表。
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	tools := make(map[string]Descriptor, len(descriptors))
	for _, desc := range descriptors {
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		if _, ok := tools[desc.Name]; ok {
			return nil, xerrors.New(xerrors.CodeConflict, "工具 "+desc.Name+" 重复定义")
		}
		tools[desc.Name] = desc
	}
	return &Registry{tools: tools}, nil
}

// Lookup 返回指定名称的工具描述。
func (r *Registry) Lookup(name string) (Descriptor, error) {
	if r == nil {
		return Descriptor{}, xerrors.New(xerrors.CodeInitializationFailure, "工具注册表未初始化")
	}
	desc, ok := r.tools[strings.TrimSpace(name)]
	if !ok {
		return Descriptor{}, xerrors.New(xerrors.CodeNotFound, "未找到工具: "+name)
	}
	return desc, nil
}

// List 返回按名称排序的全部工具描述。
func (r *Registry) List() []Descriptor {
	if r == nil {
		return nil
	}
	descriptors := make([]Descriptor, 0, len(r.tools))
	for _, desc := range r.tools {
		descriptors = append(descriptors, desc)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors
}

// ActionSummary 汇总所有工具声明的操作，供规划器提示使用。
func (r *Registry) ActionSummary() string {
	if r == nil {
		return ""
	}
	var builder strings.Builder
	for _, desc := range r.List() {
		builder.WriteString(desc.Name)
		if len(desc.DeclaredActions) == 0 {
			builder.WriteString(": (未声明操作)\n")
			continue
		}
		builder.WriteString(":\n")
		for _, action := range desc.DeclaredActions {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", action.Name, action.Description))
		}
	}
	return builder.String()
}
