// Package pipeline 定义了文档处理的核心流程：OCR 提交与轮询、切块、向量化、入库和摘要。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docqa-go/internal/chunking"
	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/internal/vectorstore"
	"docqa-go/pkg/log"
	"docqa-go/pkg/metrics"
	"docqa-go/pkg/ocr"
	"docqa-go/pkg/tasks"
)

var (
	// ErrNoExtractableContent 表示识别结果里没有任何非空白文本。
	ErrNoExtractableContent = errors.New("no extractable content")
	// ErrEmbeddingMismatch 表示返回的向量数和分块数不一致。
	ErrEmbeddingMismatch = errors.New("embedding count does not match chunk count")
)

// Embedder 是批量向量化的接口，由 embedding.Generator 实现。
type Embedder interface {
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// ResultFetcher 读取 OCR 结果。
type ResultFetcher interface {
	FetchResults(ctx context.Context, outputPrefix string) ([]ocr.Page, error)
}

// Processor 封装了后处理的所有依赖和逻辑：切块 → 向量化 → 入库 → 摘要。
type Processor struct {
	repos      repository.Repositories
	results    ResultFetcher
	chunker    chunking.Chunker
	embedder   Embedder
	vectors    vectorstore.Store
	summarizer Summarizer
}

// NewProcessor 创建一个新的 Processor 实例。summarizer 可以为 nil。
func NewProcessor(
	repos repository.Repositories,
	results ResultFetcher,
	chunker chunking.Chunker,
	embedder Embedder,
	vectors vectorstore.Store,
	summarizer Summarizer,
) *Processor {
	return &Processor{
		repos:      repos,
		results:    results,
		chunker:    chunker,
		embedder:   embedder,
		vectors:    vectors,
		summarizer: summarizer,
	}
}

// Process 是后处理的主函数。返回的错误由 Runner 决定是否重试，失败状态也由 Runner 落库。
func (p *Processor) Process(ctx context.Context, task tasks.PostProcessTask) error {
	log.Infof("[Processor] 开始后处理, doc=%s, job=%s", task.DocumentID, task.JobID)

	doc, err := p.repos.Documents.FindByID(ctx, task.DocumentID)
	if err != nil {
		return fmt.Errorf("加载文档失败: %w", err)
	}
	if doc.Status.Terminal() {
		// 重复投递的任务，直接跳过
		log.Infof("[Processor] 文档已处于终态 %s，跳过, doc=%s", doc.Status, doc.ID)
		return nil
	}

	// 1. 读取 OCR 结果
	pages, err := p.results.FetchResults(ctx, task.OutputPrefix)
	if err != nil {
		return fmt.Errorf("读取识别结果失败: %w", err)
	}
	blocks := BlocksFromPages(pages)
	if len(blocks) == 0 {
		return ErrNoExtractableContent
	}
	log.Infof("[Processor] 步骤1: 读取识别结果成功, 共 %d 页", len(blocks))

	// 2. 文本切块
	units := p.chunker.Chunk(doc.ID, blocks)
	log.Infof("[Processor] 步骤2: 文本分块完成, method=%s, 共生成 %d 个分块", p.chunker.Method(), len(units))
	if len(units) == 0 {
		// 无分块是合法终态
		if _, err := p.repos.Chunks.ReplaceForDocument(ctx, doc.ID, nil); err != nil {
			return fmt.Errorf("清理分块失败: %w", err)
		}
		return p.finish(ctx, doc, task, nil)
	}

	// 3. 向量化，全部成功才继续
	texts := make([]string, len(units))
	for i, u := range units {
		texts[i] = u.Content
	}
	vectors, err := p.embedder.EmbedAll(ctx, texts)
	if err != nil {
		return fmt.Errorf("生成向量失败: %w", err)
	}
	if len(vectors) != len(units) {
		return fmt.Errorf("%w: %d chunks, %d embeddings", ErrEmbeddingMismatch, len(units), len(vectors))
	}
	log.Infof("[Processor] 步骤3: 向量化完成, 共 %d 个向量", len(vectors))

	// 4. 分块整体替换入库，再写向量
	saved, err := p.repos.Chunks.ReplaceForDocument(ctx, doc.ID, ChunksFromUnits(units))
	if err != nil {
		return fmt.Errorf("保存分块失败: %w", err)
	}
	if err := p.vectors.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("清理旧向量失败: %w", err)
	}
	records := make([]model.VectorRecord, len(saved))
	for i, c := range saved {
		records[i] = model.VectorRecord{
			UnitID:       c.ID,
			DocumentID:   doc.ID,
			ChunkIndex:   c.ChunkIndex,
			TextContent:  c.Content,
			Vector:       vectors[i],
			ModelVersion: p.embedder.Model(),
			UserID:       doc.UserID,
			Folder:       doc.FolderName(),
			PageStart:    c.PageStart,
			PageEnd:      c.PageEnd,
			Heading:      c.Heading,
		}
	}
	if err := p.vectors.Upsert(ctx, records); err != nil {
		return fmt.Errorf("写入向量失败: %w", err)
	}
	log.Infof("[Processor] 步骤4: 成功写入 %d 个分块及向量", len(records))

	return p.finish(ctx, doc, task, saved)
}

func (p *Processor) finish(ctx context.Context, doc *model.Document, task tasks.PostProcessTask, chunks []model.DocumentChunk) error {
	if err := p.repos.Documents.UpdateStatus(ctx, doc.ID, model.StatusProcessed, 100); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}
	metrics.PipelineTransitions.WithLabelValues(string(model.StatusProcessed)).Inc()
	if err := p.repos.Jobs.Complete(ctx, task.JobID); err != nil {
		log.Warnf("[Processor] 更新任务状态失败, job=%s: %v", task.JobID, err)
	}
	log.Infof("[Processor] 文档处理成功完成, doc=%s, chunks=%d", doc.ID, len(chunks))

	p.summarize(ctx, doc.ID, chunks)
	return nil
}

// summarize 尽力生成摘要，任何错误只记日志。
func (p *Processor) summarize(ctx context.Context, docID string, chunks []model.DocumentChunk) {
	if p.summarizer == nil || len(chunks) == 0 {
		return
	}
	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(c.Content)
	}
	summary, err := p.summarizer.Summarize(ctx, sb.String())
	if err != nil {
		log.Warnf("[Processor] 生成摘要失败, doc=%s: %v", docID, err)
		return
	}
	if err := p.repos.Documents.UpdateSummary(ctx, docID, summary); err != nil {
		log.Warnf("[Processor] 保存摘要失败, doc=%s: %v", docID, err)
	}
}

// BlocksFromPages 把 OCR 页面转为切块输入，丢弃空白页。
func BlocksFromPages(pages []ocr.Page) []chunking.Block {
	blocks := make([]chunking.Block, 0, len(pages))
	for _, pg := range pages {
		if strings.TrimSpace(pg.Text) == "" {
			continue
		}
		blocks = append(blocks, chunking.Block{
			Text:      pg.Text,
			PageStart: pg.Page,
			PageEnd:   pg.Page,
			Heading:   pg.Heading,
		})
	}
	return blocks
}

// ChunksFromUnits 把切块结果转为数据库模型。
func ChunksFromUnits(units []chunking.Unit) []model.DocumentChunk {
	chunks := make([]model.DocumentChunk, len(units))
	for i, u := range units {
		chunks[i] = model.DocumentChunk{
			DocumentID:  u.DocumentID,
			ChunkIndex:  u.Index,
			Content:     u.Content,
			TokenCount:  u.TokenCount,
			PageStart:   u.PageStart,
			PageEnd:     u.PageEnd,
			Heading:     u.Heading,
			ChunkMethod: string(u.Method),
			ChunkKind:   u.Kind,
		}
	}
	return chunks
}
