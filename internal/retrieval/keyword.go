// Package retrieval 实现文件夹问答的关键词打分、兜底采样以及上下文拼装。
package retrieval

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"docqa-go/internal/model"
)

// DefaultTopN 是文件夹问答默认选取的单元数。
const DefaultTopN = 12

// minKeywordRunes 以下长度的词不作为关键词。
const minKeywordRunes = 4

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}]+)*`)

var stopWords = map[string]struct{}{
	"what": {}, "which": {}, "when": {}, "where": {}, "whom": {}, "whose": {},
	"does": {}, "doing": {}, "done": {}, "that": {}, "this": {}, "these": {},
	"those": {}, "there": {}, "their": {}, "them": {}, "they": {}, "then": {},
	"than": {}, "with": {}, "from": {}, "have": {}, "having": {}, "about": {},
	"into": {}, "onto": {}, "would": {}, "could": {}, "should": {}, "will": {},
	"been": {}, "being": {}, "were": {}, "your": {}, "yours": {}, "also": {},
	"some": {}, "such": {}, "only": {}, "other": {}, "more": {}, "most": {},
	"very": {}, "just": {}, "please": {}, "tell": {}, "explain": {}, "describe": {},
	"list": {}, "show": {}, "give": {}, "know": {}, "many": {}, "much": {},
	"each": {}, "every": {}, "here": {},
}

// Candidate 是参与打分的一个内容单元及其所属文档名。
type Candidate struct {
	Chunk        model.DocumentChunk
	DocumentName string
}

// Scored 是打分后的单元。
type Scored struct {
	Candidate
	Score float64
}

// ExtractKeywords 从问题中提取关键词：转小写、保留长度大于 3 的词、去掉停用词并去重，顺序与出现顺序一致。
func ExtractKeywords(question string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, w := range wordRe.FindAllString(strings.ToLower(question), -1) {
		if utf8.RuneCountInString(w) < minKeywordRunes {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Score 计算单元文本对关键词的得分：每个关键词 2×整词命中数 + 1×子串命中数。
func Score(text string, keywords []string) int {
	lower := strings.ToLower(text)
	total := 0
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		total += 2*countWholeWord(lower, kw) + strings.Count(lower, kw)
	}
	return total
}

// countWholeWord 统计 kw 在 text 中以词边界出现的次数（不重叠）。
func countWholeWord(text, kw string) int {
	n := 0
	offset := 0
	for {
		i := strings.Index(text[offset:], kw)
		if i < 0 {
			return n
		}
		start := offset + i
		end := start + len(kw)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			n++
		}
		offset = end
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

// Rank 为所有候选打分，按得分降序稳定排序，只保留得分大于 0 的前 topN 个。
// 得分相同的单元保持原有（按文档、按单元序号）顺序。
func Rank(candidates []Candidate, keywords []string, topN int) []Scored {
	if topN <= 0 {
		topN = DefaultTopN
	}
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		s := Score(c.Chunk.Content, keywords)
		if s > 0 {
			scored = append(scored, Scored{Candidate: c, Score: float64(s)})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topN {
		scored = scored[:topN]
	}
	return scored
}

// SampleLeading 从每个文档取前 max(1, topN/文档数) 个单元，保证每个文档都出现在上下文里。
func SampleLeading(candidates []Candidate, topN int) []Scored {
	if topN <= 0 {
		topN = DefaultTopN
	}
	var order []string
	byDoc := map[string][]Candidate{}
	for _, c := range candidates {
		id := c.Chunk.DocumentID
		if _, ok := byDoc[id]; !ok {
			order = append(order, id)
		}
		byDoc[id] = append(byDoc[id], c)
	}
	if len(order) == 0 {
		return nil
	}
	perDoc := topN / len(order)
	if perDoc < 1 {
		perDoc = 1
	}
	var out []Scored
	for _, id := range order {
		units := byDoc[id]
		if len(units) > perDoc {
			units = units[:perDoc]
		}
		for _, c := range units {
			out = append(out, Scored{Candidate: c})
		}
	}
	return out
}

// Select 是文件夹问答的选取入口：有关键词且有命中时按得分选取，否则回退到按文档采样。
// 第二个返回值表示是否走了回退路径。
func Select(question string, candidates []Candidate, topN int) ([]Scored, bool) {
	keywords := ExtractKeywords(question)
	if len(keywords) > 0 {
		if ranked := Rank(candidates, keywords, topN); len(ranked) > 0 {
			return ranked, false
		}
	}
	return SampleLeading(candidates, topN), true
}
