package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pdf "github.com/ledongthuc/pdf"

	"docqa-go/pkg/log"
	"docqa-go/pkg/storage"
)

// localHandlePrefix 标识本地引擎产生的操作句柄。
const localHandlePrefix = "local-"

// doneRetention 是已完成操作在状态表中保留的时长，足够覆盖并发轮询，之后被清理。
const doneRetention = 10 * time.Minute

// TextExtractor 从任意格式的文件中提取纯文本，由 tika.Client 实现。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName, mimeType string) (string, error)
}

// LocalEngine 在进程内完成提取：PDF 按页解析，其他格式交给 Tika（整份文件作为一页）。
// 没有配置 Tika 时只接受 text/* 文件。
type LocalEngine struct {
	store     storage.ObjectStore
	extractor TextExtractor

	mu        sync.Mutex
	ops       map[string]*localOp
	retention time.Duration
	wg        sync.WaitGroup
}

type localOp struct {
	status OperationStatus
	doneAt time.Time
}

// NewLocalEngine 创建 LocalEngine，extractor 可以为 nil。
func NewLocalEngine(store storage.ObjectStore, extractor TextExtractor) *LocalEngine {
	return &LocalEngine{
		store:     store,
		extractor: extractor,
		ops:       make(map[string]*localOp),
		retention: doneRetention,
	}
}

func (e *LocalEngine) Submit(_ context.Context, req SubmitRequest) (string, error) {
	handle := localHandlePrefix + uuid.NewString()
	e.mu.Lock()
	e.prune(time.Now())
	e.ops[handle] = &localOp{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// 提交请求返回后仍要继续执行，不能继承调用方的 ctx
		err := e.run(context.Background(), req)
		e.mu.Lock()
		defer e.mu.Unlock()
		op := e.ops[handle]
		op.status.Done = true
		op.doneAt = time.Now()
		if err != nil {
			op.status.Error = err.Error()
			log.Warnf("[OCR] 本地提取失败, handle: %s, error: %v", handle, err)
		}
	}()
	return handle, nil
}

// Status 返回操作状态。状态表只在进程内，重启前提交的句柄返回 ErrUnknownOperation。
func (e *LocalEngine) Status(_ context.Context, handle string) (OperationStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(time.Now())
	op, ok := e.ops[handle]
	if !ok {
		return OperationStatus{}, fmt.Errorf("%w %q", ErrUnknownOperation, handle)
	}
	return op.status, nil
}

// prune 清理完成超过 retention 的操作，调用方持有 mu。
func (e *LocalEngine) prune(now time.Time) {
	for handle, op := range e.ops {
		if op.status.Done && now.Sub(op.doneAt) > e.retention {
			delete(e.ops, handle)
		}
	}
}

func (e *LocalEngine) FetchResults(ctx context.Context, outputPrefix string) ([]Page, error) {
	return readShards(ctx, e.store, outputPrefix)
}

// Wait 阻塞到所有已提交的操作结束，用于优雅退出。
func (e *LocalEngine) Wait() {
	e.wg.Wait()
}

func (e *LocalEngine) run(ctx context.Context, req SubmitRequest) error {
	data, err := e.store.Get(ctx, req.InputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	pages, err := e.extract(ctx, data, req)
	if err != nil {
		return err
	}
	payload, err := EncodeShard(pages)
	if err != nil {
		return err
	}
	return e.store.Put(ctx, strings.TrimRight(req.OutputPrefix, "/")+"/shard-0001.json", payload, "application/json")
}

func (e *LocalEngine) extract(ctx context.Context, data []byte, req SubmitRequest) ([]Page, error) {
	mimeType := strings.ToLower(req.MimeType)
	switch {
	case mimeType == "application/pdf" || strings.HasSuffix(strings.ToLower(req.FileName), ".pdf"):
		return extractPDF(data)
	case e.extractor != nil:
		text, err := e.extractor.ExtractText(ctx, bytes.NewReader(data), req.FileName, req.MimeType)
		if err != nil {
			return nil, fmt.Errorf("tika extract: %w", err)
		}
		return []Page{{Page: 1, Text: text}}, nil
	case strings.HasPrefix(mimeType, "text/"):
		return []Page{{Page: 1, Text: string(data)}}, nil
	default:
		return nil, fmt.Errorf("unsupported mime type %q", req.MimeType)
	}
}

// extractPDF 逐页读取 PDF 文本，空页保留页码但文本为空。
func extractPDF(data []byte) (pages []Page, err error) {
	// ledongthuc/pdf 遇到损坏的文件会 panic
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("new pdf reader: %w", err)
	}
	total := doc.NumPage()
	pages = make([]Page, 0, total)
	for i := 1; i <= total; i++ {
		p := doc.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, Page{Page: i, Text: text})
	}
	return pages, nil
}
