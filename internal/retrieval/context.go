package retrieval

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// 上下文默认上限，与切块尺寸对齐，尽量不截断单元内容。
const (
	DefaultContextMaxChars = 12000
	DefaultSnippetMaxChars = 1000
)

// ContextItem 是拼入 prompt 的一条证据。Source 为空时只标注页码。
type ContextItem struct {
	Source  string
	Page    int
	Content string
}

// ContextOptions 控制上下文长度。
type ContextOptions struct {
	MaxChars        int
	SnippetMaxChars int
}

func (o ContextOptions) normalized() ContextOptions {
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultContextMaxChars
	}
	if o.SnippetMaxChars <= 0 {
		o.SnippetMaxChars = DefaultSnippetMaxChars
	}
	return o
}

// BuildContext 把证据逐条编号拼成 "[n] (文档名, p.X) 内容"，总长度不超过 MaxChars（按字符计）。
// 第二个返回值是实际放入的条数。
func BuildContext(items []ContextItem, opts ContextOptions) (string, int) {
	opts = opts.normalized()
	var b strings.Builder
	used := 0
	n := 0
	for _, it := range items {
		snippet := truncateRunes(strings.TrimSpace(it.Content), opts.SnippetMaxChars)
		if snippet == "" {
			continue
		}
		line := fmt.Sprintf("%s %s\n", label(n+1, it), snippet)
		size := utf8.RuneCountInString(line)
		if used+size > opts.MaxChars {
			remaining := opts.MaxChars - used
			head := label(n+1, it) + " "
			room := remaining - utf8.RuneCountInString(head) - 1
			if room > 0 && n == 0 {
				b.WriteString(head)
				b.WriteString(truncateRunes(snippet, room))
				b.WriteString("\n")
				n++
			}
			break
		}
		b.WriteString(line)
		used += size
		n++
	}
	return b.String(), n
}

func label(n int, it ContextItem) string {
	switch {
	case it.Source != "" && it.Page > 0:
		return fmt.Sprintf("[%d] (%s, p.%d)", n, it.Source, it.Page)
	case it.Source != "":
		return fmt.Sprintf("[%d] (%s)", n, it.Source)
	case it.Page > 0:
		return fmt.Sprintf("[%d] (p.%d)", n, it.Page)
	default:
		return fmt.Sprintf("[%d]", n)
	}
}

// truncateRunes 按字符截断，截断时以 "…" 结尾且总长不超过 max。
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}

// Excerpt 截取来源摘录，供返回给调用方的 sources 使用。
func Excerpt(s string, max int) string {
	return truncateRunes(strings.TrimSpace(s), max)
}

// FromScored 把打分结果转换为上下文条目。
func FromScored(items []Scored) []ContextItem {
	out := make([]ContextItem, 0, len(items))
	for _, s := range items {
		out = append(out, ContextItem{
			Source:  s.DocumentName,
			Page:    s.Chunk.PageStart,
			Content: s.Chunk.Content,
		})
	}
	return out
}
