// Package chunking 把 OCR 提取出的结构化文本切分为适合检索的内容单元。
//
// 所有策略都实现 Chunker 接口，输入是按页/章节排列的 Block，输出是带页码范围、
// 标题、切块方法和 token 估算值的 Unit 列表。切块是纯函数，不依赖任何外部服务。
package chunking

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Method 是切块策略的标识，会写入每个 Unit。
type Method string

const (
	MethodFixed      Method = "fixed"
	MethodRecursive  Method = "recursive"
	MethodStructural Method = "structural"
	MethodSemantic   Method = "semantic"
	MethodAgentic    Method = "agentic"
)

// 默认参数，与 Processor 原有的 1000/100 保持一致。
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
	DefaultMinChunkSize = 200
)

// Block 是一段 OCR 识别出的文本（通常是一页或一个章节）。
type Block struct {
	Text      string `json:"text"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
	Heading   string `json:"heading,omitempty"`
}

// Unit 是切块结果。
type Unit struct {
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	Heading    string `json:"heading,omitempty"`
	Method     Method `json:"method"`
	Kind       string `json:"kind,omitempty"`
}

// Options 控制切块尺寸，单位均为字符（rune）。
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	MinChunkSize int
}

// Chunker 是所有切块策略的统一接口。
type Chunker interface {
	Method() Method
	Chunk(documentID string, blocks []Block) []Unit
}

// New 根据方法名创建切块器。
func New(method Method, opts Options) (Chunker, error) {
	opts = opts.normalized()
	switch method {
	case MethodFixed:
		return &fixedChunker{opts: opts}, nil
	case MethodRecursive, "":
		return &recursiveChunker{opts: opts, splitter: newSplitter(opts.ChunkSize, recursiveSeparators)}, nil
	case MethodStructural:
		return &structuralChunker{opts: opts, splitter: newSplitter(opts.ChunkSize, recursiveSeparators)}, nil
	case MethodSemantic:
		return &semanticChunker{opts: opts, splitter: newSplitter(opts.ChunkSize, semanticSeparators)}, nil
	case MethodAgentic:
		return &agenticChunker{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown chunking method %q", method)
	}
}

// Methods 返回全部支持的切块方法。
func Methods() []Method {
	return []Method{MethodFixed, MethodRecursive, MethodStructural, MethodSemantic, MethodAgentic}
}

func (o Options) normalized() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = 0
	}
	if o.MinChunkSize <= 0 {
		o.MinChunkSize = DefaultMinChunkSize
	}
	if o.MinChunkSize > o.ChunkSize {
		o.MinChunkSize = o.ChunkSize
	}
	return o
}

// EstimateTokens 按字符数估算 token 数（约 4 字符 / token）。
// 这只是近似值，与任何具体 tokenizer 的结果都不保证一致。
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// finalize 统一去掉首尾空白、丢弃空单元并填充序号、文档 ID、方法和 token 数。
func finalize(documentID string, method Method, units []Unit) []Unit {
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		content := strings.TrimSpace(u.Content)
		if content == "" {
			continue
		}
		u.Content = content
		u.DocumentID = documentID
		u.Method = method
		u.Index = len(out)
		u.TokenCount = EstimateTokens(content)
		if u.PageEnd < u.PageStart {
			u.PageEnd = u.PageStart
		}
		out = append(out, u)
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// line 是带页码信息的一行文本，供按行处理的策略使用。
type line struct {
	text      string
	pageStart int
	pageEnd   int
	heading   string
}

func explodeLines(blocks []Block) []line {
	var lines []line
	for _, b := range blocks {
		for _, l := range strings.Split(b.Text, "\n") {
			lines = append(lines, line{
				text:      strings.TrimRight(l, " \t\r"),
				pageStart: b.PageStart,
				pageEnd:   b.PageEnd,
				heading:   b.Heading,
			})
		}
	}
	return lines
}

// span 记录一组连续行覆盖的页码范围。
type span struct {
	start, end int
	set        bool
}

func (s *span) add(start, end int) {
	if !s.set {
		s.start, s.end, s.set = start, end, true
		return
	}
	if start < s.start {
		s.start = start
	}
	if end > s.end {
		s.end = end
	}
}
