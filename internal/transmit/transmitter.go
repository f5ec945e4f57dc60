package transmit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/pkg/logger"
)

const (
	defaultRawSizeThreshold = 100 * 1024
	defaultChunkSize        = 512
	sampleSize              = 256
	maxTableRows            = 50
)

// RawSummary 是超限结果的有界摘要，代替原始内容下发。
type RawSummary struct {
	Type      string `json:"type"`
	SizeBytes int    `json:"size_bytes"`
	Truncated bool   `json:"truncated"`
	Sample    string `json:"sample"`
}

// Transmitter 负责把工具返回的结构化结果转换成面向用户的文本，
// 并按固定大小切块以便增量下发。
type Transmitter struct {
	rawSizeThreshold int
	chunkSize        int
	logger           *slog.Logger
}

// Option 定义可选配置。
type Option func(*Transmitter)

// WithRawSizeThreshold 设置原始结果的透传上限（字节）。
func WithRawSizeThreshold(n int) Option {
	return func(t *Transmitter) {
		if n > 0 {
			t.rawSizeThreshold = n
		}
	}
}

// WithChunkSize 设置增量下发的块大小（字节）。
func WithChunkSize(n int) Option {
	return func(t *Transmitter) {
		if n > 0 {
			t.chunkSize = n
		}
	}
}

// New 构造 Transmitter。
func New(opts ...Option) *Transmitter {
	t := &Transmitter{
		rawSizeThreshold: defaultRawSizeThreshold,
		chunkSize:        defaultChunkSize,
		logger:           logger.Named("transmit"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Inspect 判断原始结果是否超过透传上限。
// 编码后的完整内容总是返回，供格式化与持久化使用；
// 超限时一并返回摘要，事件流只下发摘要而不是原始内容。
func (t *Transmitter) Inspect(raw any) (rawJSON []byte, summary *RawSummary) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", raw))
	}
	if len(encoded) <= t.rawSizeThreshold {
		return encoded, nil
	}
	sample := encoded
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	return encoded, &RawSummary{
		Type:      typeName(raw),
		SizeBytes: len(encoded),
		Truncated: true,
		Sample:    string(sample),
	}
}

// Format 把结构化结果渲染为用户可读文本。
// 对象数组渲染为表格，对象渲染为键值行，标量渲染为简短陈述；
// 渲染失败时降级为原始 JSON 透传，只记录日志不中断工作流。
func (t *Transmitter) Format(raw any) string {
	text, err := t.render(raw)
	if err != nil {
		degraded := xerrors.Wrap(xerrors.CodeTransmissionFailed, err, "结果格式化失败，降级为原始 JSON")
		t.logger.Warn("结果格式化失败，降级为原始 JSON", slog.Any("error", degraded))
		encoded, marshalErr := json.Marshal(raw)
		if marshalErr != nil {
			return fmt.Sprintf("%v", raw)
		}
		return string(encoded)
	}
	return text
}

// Chunks 把完整文本按块大小切分。所有块按序拼接后与原文本逐字节一致。
func (t *Transmitter) Chunks(text string) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > t.chunkSize {
		chunks = append(chunks, text[:t.chunkSize])
		text = text[t.chunkSize:]
	}
	chunks = append(chunks, text)
	return chunks
}

func (t *Transmitter) render(raw any) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("渲染过程 panic: %v", r)
		}
	}()

	switch v := raw.(type) {
	case nil:
		return "（无返回内容）", nil
	case string:
		return v, nil
	case bool:
		if v {
			return "结果: 是", nil
		}
		return "结果: 否", nil
	case float64:
		return "结果: " + formatNumber(v), nil
	case json.Number:
		return "结果: " + v.String(), nil
	case map[string]any:
		return renderObject(v), nil
	case []any:
		return renderArray(v)
	default:
		encoded, marshalErr := json.Marshal(v)
		if marshalErr != nil {
			return "", marshalErr
		}
		return string(encoded), nil
	}
}

// renderObject 把对象渲染为按键排序的键值行。
func renderObject(obj map[string]any) string {
	if len(obj) == 0 {
		return "（空对象）"
	}
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(renderScalar(obj[key]))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderArray 根据元素类型选择表格或列表渲染。
func renderArray(items []any) (string, error) {
	if len(items) == 0 {
		return "（空列表）", nil
	}
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			rows = nil
			break
		}
		rows = append(rows, row)
	}
	if rows != nil {
		return renderTable(rows), nil
	}

	var b strings.Builder
	for i, item := range items {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(renderScalar(item))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// renderTable 把对象数组渲染为等宽文本表格，列为所有行键的并集。
func renderTable(rows []map[string]any) string {
	columnSet := make(map[string]struct{})
	for _, row := range rows {
		for key := range row {
			columnSet[key] = struct{}{}
		}
	}
	columns := make([]string, 0, len(columnSet))
	for key := range columnSet {
		columns = append(columns, key)
	}
	sort.Strings(columns)

	truncated := false
	if len(rows) > maxTableRows {
		rows = rows[:maxTableRows]
		truncated = true
	}

	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = len(col)
	}
	cells := make([][]string, len(rows))
	for r, row := range rows {
		cells[r] = make([]string, len(columns))
		for c, col := range columns {
			value := ""
			if v, ok := row[col]; ok {
				value = renderScalar(v)
			}
			cells[r][c] = value
			if len(value) > widths[c] {
				widths[c] = len(value)
			}
		}
	}

	var b strings.Builder
	writeRow := func(values []string) {
		b.WriteString("|")
		for i, value := range values {
			b.WriteString(" ")
			b.WriteString(value)
			b.WriteString(strings.Repeat(" ", widths[i]-len(value)))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}
	writeRow(columns)
	b.WriteString("|")
	for _, width := range widths {
		b.WriteString(strings.Repeat("-", width+2))
		b.WriteString("|")
	}
	b.WriteString("\n")
	for _, row := range cells {
		writeRow(row)
	}
	text := strings.TrimRight(b.String(), "\n")
	if truncated {
		text += "\n（仅展示前 " + strconv.Itoa(maxTableRows) + " 行）"
	}
	return text
}

// renderScalar 把单个值渲染为一行文本，嵌套结构压缩为 JSON。
func renderScalar(v any) string {
	switch value := v.(type) {
	case nil:
		return "-"
	case string:
		return value
	case bool:
		if value {
			return "true"
		}
		return "false"
	case float64:
		return formatNumber(value)
	case json.Number:
		return value.String()
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(encoded)
	}
}

// formatNumber 对整数值省略小数部分。
func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ExplainError 把步骤错误转换为面向用户的简短说明。
func ExplainError(err error) string {
	if err == nil {
		return ""
	}
	if appErr, ok := xerrors.From(err); ok {
		return string(appErr.Code()) + ": " + appErr.Message()
	}
	return err.Error()
}

func typeName(raw any) string {
	switch raw.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", raw)
	}
}
