package tool

import (
	"strings"

	xerrors "MCP-Flow/internal/errors"
)

// Action 描述工具对外声明的一个可调用操作，仅用于预览与规划提示。
type Action struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// LaunchSpec 描述如何接入一个工具提供方：本地子进程或远程端点，二选一。
type LaunchSpec struct {
	Command  string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
	Endpoint string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// IsProcess 判断该工具是否通过子进程方式启动。
func (s LaunchSpec) IsProcess() bool {
	return strings.TrimSpace(s.Command) != ""
}

// Descriptor 是工具目录中的一条静态描述，加载后不可变更。
type Descriptor struct {
	Name            string            `json:"name" yaml:"name"`
	Launch          LaunchSpec        `json:"launch" yaml:"launch"`
	EnvTemplate     map[string]string `json:"env_template,omitempty" yaml:"env_template,omitempty"`
	AuthRequired    bool              `json:"auth_required" yaml:"auth_required"`
	DeclaredActions []Action          `json:"declared_actions,omitempty" yaml:"declared_actions,omitempty"`
}

// Validate 检查描述信息是否完整。
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if !d.Launch.IsProcess() && strings.TrimSpace(d.Launch.Endpoint) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具 "+d.Name+" 缺少启动命令或远程端点")
	}
	return nil
}

// RequiredSecretKeys 返回环境模板中必须由用户提供的键，即默认值为空的键。
func (d Descriptor) RequiredSecretKeys() []string {
	var keys []string
	for key, value := range d.EnvTemplate {
		if strings.TrimSpace(value) == "" {
			keys = append(keys, key)
		}
	}
	return keys
}
