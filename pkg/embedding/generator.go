package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"docqa-go/internal/config"
	"docqa-go/pkg/log"
	"docqa-go/pkg/metrics"
)

// Generator 在 Client 之上实现批量向量生成：文本归一化与截断、固定大小分批、
// 顺序调用并限速。任何一个批次失败整体失败，不返回部分结果。
type Generator struct {
	client    Client
	batchSize int
	maxChars  int
	limiter   *rate.Limiter
	cache     *expirable.LRU[string, []float32]
}

// GeneratorOptions 控制分批、截断、限速和问题向量缓存。
type GeneratorOptions struct {
	BatchSize         int
	MaxInputChars     int
	RequestsPerSecond float64
	CacheSize         int
	CacheTTL          time.Duration
}

// OptionsFromConfig 从配置构造 GeneratorOptions。
func OptionsFromConfig(cfg config.EmbeddingConfig) GeneratorOptions {
	return GeneratorOptions{
		BatchSize:         cfg.BatchSize,
		MaxInputChars:     cfg.MaxInputChars,
		RequestsPerSecond: cfg.RequestsPerSecond,
		CacheSize:         cfg.QueryCacheSize,
		CacheTTL:          cfg.QueryCacheTTL,
	}
}

// NewGenerator 创建 Generator。RequestsPerSecond <= 0 表示不限速，CacheSize <= 0 表示不缓存。
func NewGenerator(client Client, opts GeneratorOptions) *Generator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = 8000
	}
	g := &Generator{
		client:    client,
		batchSize: opts.BatchSize,
		maxChars:  opts.MaxInputChars,
	}
	if opts.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	if opts.CacheSize > 0 {
		g.cache = expirable.NewLRU[string, []float32](opts.CacheSize, nil, opts.CacheTTL)
	}
	return g
}

// Model 返回底层模型名。
func (g *Generator) Model() string {
	return g.client.Model()
}

// Normalize 折叠连续空白、去掉首尾空白，并按字符截断到 max。
func Normalize(text string, max int) string {
	s := strings.Join(strings.Fields(text), " ")
	if max > 0 {
		runes := []rune(s)
		if len(runes) > max {
			s = string(runes[:max])
		}
	}
	return s
}

// EmbedAll 为所有文本生成向量，返回值与输入等长且顺序一致。
func (g *Generator) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = Normalize(t, g.maxChars)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(inputs); start += g.batchSize {
		end := start + g.batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		vectors, err := g.embedBatch(ctx, inputs[start:end])
		if err != nil {
			log.Errorf("[EmbeddingGenerator] 批次 %d-%d 失败, 放弃全部 %d 条: %v", start, end, len(texts), err)
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (g *Generator) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	begin := time.Now()
	vectors, err := g.client.CreateEmbeddings(ctx, batch)
	metrics.EmbeddingBatchSeconds.Observe(time.Since(begin).Seconds())
	if err == nil && len(vectors) != len(batch) {
		err = fmt.Errorf("got %d vectors for %d inputs", len(vectors), len(batch))
	}
	if err != nil {
		metrics.EmbeddingBatches.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbeddingBatches.WithLabelValues("ok").Inc()
	return vectors, nil
}

// EmbedOne 为单条文本（通常是用户问题）生成向量，结果进入 LRU 缓存。
func (g *Generator) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	input := Normalize(text, g.maxChars)
	if g.cache != nil {
		if v, ok := g.cache.Get(input); ok {
			metrics.QueryCacheHits.Inc()
			return v, nil
		}
		metrics.QueryCacheMisses.Inc()
	}
	vectors, err := g.embedBatch(ctx, []string{input})
	if err != nil {
		return nil, err
	}
	if g.cache != nil {
		g.cache.Add(input, vectors[0])
	}
	return vectors[0], nil
}
