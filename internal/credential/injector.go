package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/internal/tool"
)

// ResolvedEnv 是模板默认值与用户密钥合并后的完整环境。
// 其内容可能包含明文密钥，禁止写入日志或持久化。
type ResolvedEnv struct {
	values map[string]string
}

// Values 返回环境键值的副本。
func (e ResolvedEnv) Values() map[string]string {
	clone := make(map[string]string, len(e.values))
	for k, v := range e.values {
		clone[k] = v
	}
	return clone
}

// Fingerprint 计算环境内容的哈希，用于检测凭证变更。
// 对键排序后拼接，保证同一凭证集合得到稳定的指纹。
func (e ResolvedEnv) Fingerprint() string {
	keys := make([]string, 0, len(e.values))
	for key := range e.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	digest := sha256.New()
	for _, key := range keys {
		digest.Write([]byte(key))
		digest.Write([]byte{0})
		digest.Write([]byte(e.values[key]))
		digest.Write([]byte{0})
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// Injector 负责在建立连接前解析工具所需的环境与密钥。
type Injector struct {
	store Store
}

// NewInjector 构造 Injector。
func NewInjector(store Store) *Injector {
	return &Injector{store: store}
}

// Resolve 合并工具的环境模板与用户密钥。
// 模板中默认值为空的键必须由用户提供，缺失任何一个都会整体失败，
// 绝不会以残缺的凭证建立连接。
func (i *Injector) Resolve(ctx context.Context, desc tool.Descriptor, userID string) (ResolvedEnv, error) {
	values := make(map[string]string, len(desc.EnvTemplate))

	var secrets map[string]string
	if i.store != nil && len(desc.RequiredSecretKeys()) > 0 {
		looked, err := i.store.Lookup(ctx, userID, desc.Name)
		if err != nil {
			return ResolvedEnv{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取用户凭证失败")
		}
		secrets = looked
	}

	var missing []string
	for key, defaultValue := range desc.EnvTemplate {
		if strings.TrimSpace(defaultValue) != "" {
			values[key] = defaultValue
			continue
		}
		secret, ok := secrets[key]
		if !ok || strings.TrimSpace(secret) == "" {
			missing = append(missing, key)
			continue
		}
		values[key] = secret
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return ResolvedEnv{}, xerrors.New(xerrors.CodeAuthFailed,
			"工具 "+desc.Name+" 缺少必需的凭证: "+strings.Join(missing, ", "),
			xerrors.WithMetadata("tool", desc.Name),
			xerrors.WithMetadata("missing_keys", strings.Join(missing, ",")),
		)
	}
	return ResolvedEnv{values: values}, nil
}
