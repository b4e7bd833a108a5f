package chunking

import "strings"

// 递归切分的分隔符优先级：段落、换行、句子、词、字符。
var recursiveSeparators = []string{"\n\n", "\n", "。", ". ", "! ", "? ", "；", "; ", " ", ""}

// 语义切分更偏向强语篇边界：多空行与句末标点优先于单换行。
var semanticSeparators = []string{"\n\n\n", "\n\n", "。", "！", "？", ". ", "! ", "? ", "\n", "；", "; ", "，", ", ", " ", ""}

// splitter 按分隔符优先级递归切分文本，输出片段顺序拼接后与原文完全一致。
type splitter struct {
	size       int
	separators []string
}

func newSplitter(size int, separators []string) splitter {
	return splitter{size: size, separators: separators}
}

func (s splitter) split(text string) []string {
	if text == "" {
		return nil
	}
	return s.splitWith(text, s.separators)
}

func (s splitter) splitWith(text string, seps []string) []string {
	if runeLen(text) <= s.size {
		return []string{text}
	}
	if len(seps) == 0 || seps[0] == "" {
		return hardSplit(text, s.size)
	}
	sep, rest := seps[0], seps[1:]
	if !strings.Contains(text, sep) {
		return s.splitWith(text, rest)
	}

	var out []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, part := range strings.SplitAfter(text, sep) {
		if part == "" {
			continue
		}
		n := runeLen(part)
		if n > s.size {
			flush()
			out = append(out, s.splitWith(part, rest)...)
			continue
		}
		if curLen+n > s.size {
			flush()
		}
		cur.WriteString(part)
		curLen += n
	}
	flush()
	return out
}

func hardSplit(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// mergeSmall 把不足 minSize 的相邻单元合并，合并后不超过 maxSize。
// 合并后的页码范围取并集，标题沿用第一个单元。
func mergeSmall(units []Unit, minSize, maxSize int, joiner string) []Unit {
	if len(units) < 2 {
		return units
	}
	out := make([]Unit, 0, len(units))
	cur := units[0]
	for _, next := range units[1:] {
		curLen := runeLen(strings.TrimSpace(cur.Content))
		nextLen := runeLen(strings.TrimSpace(next.Content))
		if (curLen < minSize || nextLen < minSize) && curLen+nextLen+runeLen(joiner) <= maxSize {
			cur.Content = cur.Content + joiner + next.Content
			if next.PageStart < cur.PageStart {
				cur.PageStart = next.PageStart
			}
			if next.PageEnd > cur.PageEnd {
				cur.PageEnd = next.PageEnd
			}
			if cur.Heading == "" {
				cur.Heading = next.Heading
			}
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

type recursiveChunker struct {
	opts     Options
	splitter splitter
}

func (c *recursiveChunker) Method() Method { return MethodRecursive }

// Chunk 逐个 Block 递归切分，再把过小的相邻单元合并，减少后续 embedding 调用次数。
func (c *recursiveChunker) Chunk(documentID string, blocks []Block) []Unit {
	var units []Unit
	for _, b := range blocks {
		for _, piece := range c.splitter.split(b.Text) {
			if isBlank(piece) {
				continue
			}
			units = append(units, Unit{
				Content:   strings.TrimSpace(piece),
				PageStart: b.PageStart,
				PageEnd:   b.PageEnd,
				Heading:   b.Heading,
			})
		}
	}
	units = mergeSmall(units, c.opts.MinChunkSize, c.opts.ChunkSize, "\n")
	return finalize(documentID, MethodRecursive, units)
}

type semanticChunker struct {
	opts     Options
	splitter splitter
}

func (c *semanticChunker) Method() Method { return MethodSemantic }

// Chunk 与递归切分类似，但分隔符偏向语篇边界，且只在同一 Block 内合并小单元。
func (c *semanticChunker) Chunk(documentID string, blocks []Block) []Unit {
	var units []Unit
	for _, b := range blocks {
		var blockUnits []Unit
		for _, piece := range c.splitter.split(b.Text) {
			if isBlank(piece) {
				continue
			}
			blockUnits = append(blockUnits, Unit{
				Content:   strings.TrimSpace(piece),
				PageStart: b.PageStart,
				PageEnd:   b.PageEnd,
				Heading:   b.Heading,
			})
		}
		units = append(units, mergeSmall(blockUnits, c.opts.MinChunkSize, c.opts.ChunkSize, " ")...)
	}
	return finalize(documentID, MethodSemantic, units)
}
