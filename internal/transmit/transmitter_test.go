package transmit

import (
	"strings"
	"testing"

	xerrors "MCP-Flow/internal/errors"
)

func TestChunksReassembleExactly(t *testing.T) {
	tr := New(WithChunkSize(8))
	text := "这是一段需要被切块下发的较长文本，结尾不足一块。"

	chunks := tr.Chunks(text)
	if len(chunks) < 2 {
		t.Fatalf("期望切出多块, got %d", len(chunks))
	}
	for i, chunk := range chunks[:len(chunks)-1] {
		if len(chunk) != 8 {
			t.Fatalf("第 %d 块大小不符: %d", i, len(chunk))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("拼接结果与原文本不一致")
	}
}

func TestChunksEmptyText(t *testing.T) {
	if chunks := New().Chunks(""); chunks != nil {
		t.Fatalf("空文本不应产生块, got %v", chunks)
	}
}

func TestInspectPassesSmallResult(t *testing.T) {
	tr := New(WithRawSizeThreshold(1024))
	raw, summary := tr.Inspect(map[string]any{"ok": true})
	if summary != nil {
		t.Fatalf("小结果不应产生摘要: %+v", summary)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("原始 JSON 不符: %s", raw)
	}
}

func TestInspectSummarizesOversizedResult(t *testing.T) {
	tr := New(WithRawSizeThreshold(64))
	big := strings.Repeat("x", 4096)

	raw, summary := tr.Inspect(big)
	if len(raw) != 4096+2 {
		t.Fatalf("超限时仍应返回完整编码内容, got %d 字节", len(raw))
	}
	if summary == nil {
		t.Fatal("超限结果应产生摘要")
	}
	if summary.Type != "string" || !summary.Truncated {
		t.Fatalf("摘要字段不符: %+v", summary)
	}
	if summary.SizeBytes != 4096+2 {
		t.Fatalf("字节数应按 JSON 编码统计, got %d", summary.SizeBytes)
	}
	if len(summary.Sample) != 256 {
		t.Fatalf("样本应限制在 256 字节, got %d", len(summary.Sample))
	}
}

func TestFormatObjectSortsKeys(t *testing.T) {
	text := New().Format(map[string]any{
		"balance": float64(42),
		"address": "0xabc",
		"active":  true,
	})
	want := "active: true\naddress: 0xabc\nbalance: 42"
	if text != want {
		t.Fatalf("对象渲染不符:\n%s", text)
	}
}

func TestFormatObjectArrayAsTable(t *testing.T) {
	text := New().Format([]any{
		map[string]any{"name": "alice", "score": float64(90)},
		map[string]any{"name": "bob", "city": "sh"},
	})
	lines := strings.Split(text, "\n")
	if len(lines) != 4 {
		t.Fatalf("期望表头+分隔+两行数据, got %d 行:\n%s", len(lines), text)
	}
	// 列为所有行键的并集，按字典序排列。
	if !strings.HasPrefix(lines[0], "| city") || !strings.Contains(lines[0], "name") || !strings.Contains(lines[0], "score") {
		t.Fatalf("表头不符: %s", lines[0])
	}
	if !strings.Contains(lines[2], "alice") || !strings.Contains(lines[3], "bob") {
		t.Fatalf("数据行不符:\n%s", text)
	}
}

func TestFormatScalarArrayAsList(t *testing.T) {
	text := New().Format([]any{"first", "second"})
	if text != "1. first\n2. second" {
		t.Fatalf("列表渲染不符:\n%s", text)
	}
}

func TestFormatScalars(t *testing.T) {
	tr := New()
	cases := []struct {
		raw  any
		want string
	}{
		{nil, "（无返回内容）"},
		{"plain text", "plain text"},
		{true, "结果: 是"},
		{float64(3), "结果: 3"},
		{float64(3.14), "结果: 3.14"},
	}
	for _, tc := range cases {
		if got := tr.Format(tc.raw); got != tc.want {
			t.Fatalf("Format(%v) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestFormatDegradesToJSON(t *testing.T) {
	// 非 JSON 解码形态的值走默认分支，仍应得到可用输出。
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	text := New().Format(point{X: 1, Y: 2})
	if text != `{"x":1,"y":2}` {
		t.Fatalf("降级输出不符: %s", text)
	}
}

func TestExplainError(t *testing.T) {
	err := xerrors.New(xerrors.CodeToolExecution, "工具拒绝了该输入")
	if got := ExplainError(err); got != "TOOL_EXECUTION_FAILED: 工具拒绝了该输入" {
		t.Fatalf("错误说明不符: %s", got)
	}
	if got := ExplainError(nil); got != "" {
		t.Fatalf("nil 错误应返回空串, got %q", got)
	}
}
