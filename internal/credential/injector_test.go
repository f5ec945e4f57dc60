package credential

import (
	"context"
	"strings"
	"testing"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/internal/tool"
)

func TestResolveMergesTemplateAndSecrets(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Put(ctx, "alice", "search", map[string]string{"API_KEY": "secret-1"}); err != nil {
		t.Fatalf("写入凭证失败: %v", err)
	}

	desc := tool.Descriptor{
		Name:   "search",
		Launch: tool.LaunchSpec{Command: "fake"},
		EnvTemplate: map[string]string{
			"API_KEY":  "",
			"ENDPOINT": "https://example.com",
		},
	}

	env, err := NewInjector(store).Resolve(ctx, desc, "alice")
	if err != nil {
		t.Fatalf("解析凭证失败: %v", err)
	}
	values := env.Values()
	if values["API_KEY"] != "secret-1" {
		t.Fatalf("用户密钥未注入: %q", values["API_KEY"])
	}
	if values["ENDPOINT"] != "https://example.com" {
		t.Fatalf("模板默认值丢失: %q", values["ENDPOINT"])
	}
}

func TestResolveFailsOnMissingKeys(t *testing.T) {
	ctx := context.Background()
	desc := tool.Descriptor{
		Name:   "search",
		Launch: tool.LaunchSpec{Command: "fake"},
		EnvTemplate: map[string]string{
			"API_KEY":    "",
			"API_SECRET": "",
		},
	}

	_, err := NewInjector(NewMemoryStore()).Resolve(ctx, desc, "alice")
	if err == nil {
		t.Fatal("缺少密钥时应当整体失败")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeAuthFailed {
		t.Fatalf("期望 AUTH_FAILED, got %s", code)
	}
	// 缺失键按字典序列出，便于用户一次补全。
	if !strings.Contains(err.Error(), "API_KEY, API_SECRET") {
		t.Fatalf("错误信息应列出全部缺失键: %v", err)
	}
}

func TestResolveTreatsBlankSecretAsMissing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Put(ctx, "alice", "search", map[string]string{"API_KEY": "   "}); err != nil {
		t.Fatalf("写入凭证失败: %v", err)
	}

	desc := tool.Descriptor{
		Name:        "search",
		Launch:      tool.LaunchSpec{Command: "fake"},
		EnvTemplate: map[string]string{"API_KEY": ""},
	}

	_, err := NewInjector(store).Resolve(ctx, desc, "alice")
	if code := xerrors.CodeOf(err); code != xerrors.CodeAuthFailed {
		t.Fatalf("空白密钥应视为缺失, got %v", err)
	}
}

func TestFingerprintTracksValues(t *testing.T) {
	a := ResolvedEnv{values: map[string]string{"A": "1", "B": "2"}}
	b := ResolvedEnv{values: map[string]string{"B": "2", "A": "1"}}
	c := ResolvedEnv{values: map[string]string{"A": "1", "B": "3"}}

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("键序不同的相同内容应得到相同指纹")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("内容不同的环境不应得到相同指纹")
	}
}

func TestValuesReturnsCopy(t *testing.T) {
	env := ResolvedEnv{values: map[string]string{"A": "1"}}
	clone := env.Values()
	clone["A"] = "mutated"
	if env.values["A"] != "1" {
		t.Fatal("Values 应返回副本")
	}
}
