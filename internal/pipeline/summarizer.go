package pipeline

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sort"
	"strings"

	"docqa-go/internal/config"
	"docqa-go/pkg/llm"
)

// Summarizer 为文档生成摘要。摘要失败不影响文档状态。
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

const defaultSummaryPrompt = "你是文档摘要助手。请用不超过 200 字概括下面文档的主要内容，只输出摘要本身。"

// NewSummarizer 根据 summary.provider 选择实现；"none" 返回 nil。
func NewSummarizer(cfg config.SummaryConfig, client llm.Client) Summarizer {
	switch cfg.Provider {
	case "none":
		return nil
	case "extractive":
		return NewFrequencySummarizer(cfg.MaxSentences)
	default:
		if client == nil {
			return NewFrequencySummarizer(cfg.MaxSentences)
		}
		return &LLMSummarizer{client: client, prompt: cfg.Prompt, maxChars: cfg.MaxInputChars}
	}
}

// LLMSummarizer 调用生成模型做摘要，输入按 maxChars 截断。
type LLMSummarizer struct {
	client   llm.Client
	prompt   string
	maxChars int
}

// NewLLMSummarizer 创建基于生成模型的摘要器。
func NewLLMSummarizer(client llm.Client, prompt string, maxChars int) *LLMSummarizer {
	return &LLMSummarizer{client: client, prompt: prompt, maxChars: maxChars}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty text")
	}
	if s.maxChars > 0 {
		if r := []rune(text); len(r) > s.maxChars {
			text = string(r[:s.maxChars])
		}
	}
	prompt := s.prompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	out, err := s.client.Generate(ctx, []llm.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: text},
	}, nil)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", errors.New("empty summary")
	}
	return out, nil
}

// FrequencySummarizer 按词频给句子打分，选出得分最高的若干句并保持原文顺序。
type FrequencySummarizer struct {
	maxSentences int
	tokenPattern *regexp.Regexp
	sentence     *regexp.Regexp
	stopwords    map[string]struct{}
}

// NewFrequencySummarizer 创建抽取式摘要器。
func NewFrequencySummarizer(maxSentences int) *FrequencySummarizer {
	if maxSentences <= 0 {
		maxSentences = 5
	}
	stop := make(map[string]struct{})
	for _, w := range strings.Fields("a an the and or but if then for to of in on at by with as is are was were be been it this that these those from so such into about than can will shall may must not no") {
		stop[w] = struct{}{}
	}
	return &FrequencySummarizer{
		maxSentences: maxSentences,
		tokenPattern: regexp.MustCompile(`[\p{L}\p{N}]+(?:['’]\p{L}+)*`),
		sentence:     regexp.MustCompile(`[^.!?。！？]+[.!?。！？]?`),
		stopwords:    stop,
	}
}

func (s *FrequencySummarizer) Summarize(_ context.Context, text string) (string, error) {
	var sentences []string
	for _, sent := range s.sentence.FindAllString(text, -1) {
		if sent = strings.TrimSpace(sent); sent != "" {
			sentences = append(sentences, sent)
		}
	}
	if len(sentences) == 0 {
		return "", errors.New("empty text")
	}

	freq := map[string]float64{}
	maxF := 0.0
	for _, sent := range sentences {
		for _, tok := range s.tokens(sent) {
			if _, ok := s.stopwords[tok]; ok {
				continue
			}
			freq[tok]++
			maxF = math.Max(maxF, freq[tok])
		}
	}
	if maxF > 0 {
		for k, v := range freq {
			freq[k] = v / maxF
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(sentences))
	for i, sent := range sentences {
		toks := s.tokens(sent)
		total := 0.0
		for _, tok := range toks {
			total += freq[tok]
		}
		// 按句长归一，避免偏向长句
		if len(toks) > 0 {
			total /= math.Sqrt(float64(len(toks)))
		}
		scores[i] = scored{idx: i, score: total}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	n := s.maxSentences
	if n > len(scores) {
		n = len(scores)
	}
	selected := make([]int, n)
	for i := 0; i < n; i++ {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, 0, n)
	for _, idx := range selected {
		out = append(out, sentences[idx])
	}
	return strings.Join(out, " "), nil
}

func (s *FrequencySummarizer) tokens(text string) []string {
	return s.tokenPattern.FindAllString(strings.ToLower(text), -1)
}
