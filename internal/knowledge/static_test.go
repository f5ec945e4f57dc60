package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStaticProviderMatchesKeywords(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "以太坊查询", Content: "先取链快照再查余额", Keywords: []string{"以太坊", "余额"}},
		{Title: "搜索技巧", Content: "关键词要具体", Keywords: []string{"搜索"}},
	}, 3)

	results := provider.Query("帮我查询以太坊余额")
	if len(results) != 1 || results[0].Title != "以太坊查询" {
		t.Fatalf("匹配结果不符: %+v", results)
	}
	if got := provider.Query("无关目标"); len(got) != 0 {
		t.Fatalf("不匹配的目标不应命中, got %+v", got)
	}
}

func TestStaticProviderLimitsResults(t *testing.T) {
	items := []Snippet{
		{Title: "a", Keywords: nil},
		{Title: "b", Keywords: nil},
		{Title: "c", Keywords: nil},
	}
	// 无关键词的条目对任意目标生效，受 maxResults 限制。
	provider := NewStaticProvider(items, 2)
	if got := provider.Query("anything"); len(got) != 2 {
		t.Fatalf("结果数应受上限约束, got %d", len(got))
	}
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.json")
	content := `[{"title":"t","content":"c","keywords":["eth"]}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入提示库失败: %v", err)
	}

	provider, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("加载提示库失败: %v", err)
	}
	if got := provider.Query("query eth balance"); len(got) != 1 {
		t.Fatalf("加载后的条目应可命中, got %+v", got)
	}

	if _, err := LoadStaticProvider("", 0); err == nil {
		t.Fatal("空路径应当报错")
	}
}
