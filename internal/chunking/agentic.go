package chunking

import (
	"regexp"
	"strings"
)

// 逐行分类的类别，同时写入 Unit.Kind。
const (
	KindTable     = "table"
	KindHeading   = "heading"
	KindClause    = "numbered_clause"
	KindBullet    = "bullet"
	KindParagraph = "paragraph"
)

var (
	clauseLine = regexp.MustCompile(`^(\(?[0-9]+(\.[0-9]+)*[.)]|\([a-z]\)|[a-z]\))\s+`)
	bulletLine = regexp.MustCompile(`^[-*•·▪◦]\s+`)
)

func classifyLine(raw string) string {
	l := strings.TrimSpace(raw)
	switch {
	case strings.Count(l, "|") >= 2 || strings.Count(raw, "\t") >= 2:
		return KindTable
	case IsHeading(l):
		return KindHeading
	case clauseLine.MatchString(l):
		return KindClause
	case bulletLine.MatchString(l):
		return KindBullet
	default:
		return KindParagraph
	}
}

type agenticChunker struct {
	opts Options
}

func (c *agenticChunker) Method() Method { return MethodAgentic }

type group struct {
	kind    string
	heading string
	lines   []string
	pages   span
}

// Chunk 逐行分类，把同类的连续行聚成一个单元。
// 空行不打断分组；表格无论多大都不拆；过长的段落按句子边界拆分，
// 过长的条款/列表按行拆分。
func (c *agenticChunker) Chunk(documentID string, blocks []Block) []Unit {
	var groups []group
	var cur *group
	heading := ""

	for _, ln := range explodeLines(blocks) {
		if isBlank(ln.text) {
			continue
		}
		kind := classifyLine(ln.text)
		if heading == "" {
			heading = ln.heading
		}
		if kind == KindHeading {
			heading = headingText(ln.text)
		}
		if cur == nil || cur.kind != kind {
			groups = append(groups, group{kind: kind, heading: heading})
			cur = &groups[len(groups)-1]
		}
		cur.lines = append(cur.lines, ln.text)
		cur.pages.add(ln.pageStart, ln.pageEnd)
	}

	var units []Unit
	for _, g := range groups {
		for _, content := range c.splitGroup(g) {
			units = append(units, Unit{
				Content:   content,
				PageStart: g.pages.start,
				PageEnd:   g.pages.end,
				Heading:   g.heading,
				Kind:      g.kind,
			})
		}
	}
	return finalize(documentID, MethodAgentic, units)
}

func (c *agenticChunker) splitGroup(g group) []string {
	content := strings.Join(g.lines, "\n")
	if g.kind == KindTable || runeLen(content) <= c.opts.ChunkSize {
		return []string{content}
	}
	if g.kind == KindParagraph {
		return pack(splitSentences(content), c.opts.ChunkSize, "")
	}
	return pack(g.lines, c.opts.ChunkSize, "\n")
}

// pack 贪心地把片段装入不超过 size 的单元；单个片段超长时独占一个单元。
func pack(pieces []string, size int, joiner string) []string {
	var out []string
	var cur strings.Builder
	curLen := 0
	for _, p := range pieces {
		n := runeLen(p)
		if curLen > 0 && curLen+runeLen(joiner)+n > size {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteString(joiner)
			curLen += runeLen(joiner)
		}
		cur.WriteString(p)
		curLen += n
	}
	if curLen > 0 {
		out = append(out, cur.String())
	}
	return out
}

// splitSentences 在句末标点之后切分，片段拼接后与原文一致。
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i, r := range runes {
		terminal := false
		switch r {
		case '。', '！', '？':
			terminal = true
		case '.', '!', '?':
			terminal = i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n'
		}
		if terminal {
			end := i + 1
			for end < len(runes) && (runes[end] == ' ' || runes[end] == '\n') {
				end++
			}
			out = append(out, string(runes[start:end]))
			start = end
		}
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}
