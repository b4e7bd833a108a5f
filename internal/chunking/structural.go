package chunking

import (
	"regexp"
	"strings"
	"unicode"
)

const maxHeadingRunes = 100

var (
	markdownHeading = regexp.MustCompile(`^#{1,6}\s+\S`)
	keywordHeading  = regexp.MustCompile(`(?i)^(section|article|chapter|part)\s+([0-9]+(\.[0-9]+)*|[ivxlcdm]+)\b`)
	numberedHeading = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*\.?\s+\p{Lu}`)
	romanHeading    = regexp.MustCompile(`^[IVXLCDM]+[.)]\s+\S`)
	cjkHeading      = regexp.MustCompile(`^第[一二三四五六七八九十百千零〇0-9]+[章节条篇部]`)
)

// IsHeading 用启发式规则判断一行是否为标题：
// markdown 标题、SECTION/ARTICLE/CHAPTER n、中文“第 n 章/条”、罗马数字或编号标题、全大写短行。
func IsHeading(raw string) bool {
	l := strings.TrimSpace(raw)
	if l == "" || runeLen(l) > maxHeadingRunes {
		return false
	}
	switch {
	case markdownHeading.MatchString(l),
		keywordHeading.MatchString(l),
		cjkHeading.MatchString(l),
		romanHeading.MatchString(l):
		return true
	case numberedHeading.MatchString(l):
		return runeLen(l) <= 60 && !strings.HasSuffix(l, ".")
	}
	return isAllCaps(l)
}

func isAllCaps(l string) bool {
	if runeLen(l) > 80 {
		return false
	}
	letters := 0
	for _, r := range l {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			letters++
		}
	}
	return letters >= 3
}

func headingText(l string) string {
	l = strings.TrimSpace(l)
	return strings.TrimSpace(strings.TrimLeft(l, "#"))
}

type structuralChunker struct {
	opts     Options
	splitter splitter
}

func (c *structuralChunker) Method() Method { return MethodStructural }

type section struct {
	heading string
	lines   []string
	pages   span
}

// Chunk 在检测到的标题行处切分，每个章节一个单元并标记其标题。
// 超过 ChunkSize 的章节再按递归规则拆开，拆出的单元保留章节标题。
func (c *structuralChunker) Chunk(documentID string, blocks []Block) []Unit {
	var sections []section
	cur := section{}
	detected := false

	flush := func() {
		if len(cur.lines) > 0 && !isBlank(strings.Join(cur.lines, "")) {
			sections = append(sections, cur)
		}
	}

	for _, ln := range explodeLines(blocks) {
		if IsHeading(ln.text) {
			flush()
			cur = section{heading: headingText(ln.text)}
			detected = true
		} else if !detected && cur.heading == "" {
			cur.heading = ln.heading
		}
		cur.lines = append(cur.lines, ln.text)
		cur.pages.add(ln.pageStart, ln.pageEnd)
	}
	flush()

	var units []Unit
	for _, s := range sections {
		content := strings.Join(s.lines, "\n")
		pieces := []string{content}
		if runeLen(strings.TrimSpace(content)) > c.opts.ChunkSize {
			pieces = c.splitter.split(content)
		}
		for _, p := range pieces {
			units = append(units, Unit{
				Content:   p,
				PageStart: s.pages.start,
				PageEnd:   s.pages.end,
				Heading:   s.heading,
			})
		}
	}
	return finalize(documentID, MethodStructural, units)
}
