package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/pkg/log"
	"docqa-go/pkg/metrics"
	"docqa-go/pkg/ocr"
	"docqa-go/pkg/tasks"
	"docqa-go/pkg/workerpool"
)

// Orchestrator 驱动文档从“已上传”走到“已处理”的状态机。
//
//	queued → batch_queued → batch_processing → processing → processed
//
// 任一非终态都可以进入 error。OCR 提交在 worker 池中异步执行；
// OCR 完成由状态轮询发现，轮询方通过对任务状态的 CAS 取得后处理所有权，
// 再把后处理任务投递到 tasks.Queue。
type Orchestrator struct {
	repos  repository.Repositories
	engine ocr.Engine
	pool   *workerpool.Pool
	queue  tasks.Queue
}

// NewOrchestrator 创建状态机。
func NewOrchestrator(repos repository.Repositories, engine ocr.Engine, pool *workerpool.Pool, queue tasks.Queue) *Orchestrator {
	return &Orchestrator{repos: repos, engine: engine, pool: pool, queue: queue}
}

// OutputPrefix 返回一次处理任务的 OCR 结果前缀。
func OutputPrefix(documentID, jobID string) string {
	return fmt.Sprintf("ocr-output/%s/%s/", documentID, jobID)
}

// Start 为已创建（queued）的文档开启一次处理：创建任务、进入 batch_queued，
// 并把 OCR 提交放入 worker 池后立即返回。队列已满时文档和任务直接失败，返回 workerpool.ErrQueueFull。
func (o *Orchestrator) Start(ctx context.Context, doc *model.Document) (*model.ProcessingJob, error) {
	jobID := uuid.NewString()
	job := &model.ProcessingJob{
		ID:           jobID,
		DocumentID:   doc.ID,
		Kind:         model.JobKindBatch,
		OutputPrefix: OutputPrefix(doc.ID, jobID),
		Status:       model.JobQueued,
	}
	if err := o.repos.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("创建处理任务失败: %w", err)
	}
	if err := o.repos.Documents.UpdateStatus(ctx, doc.ID, model.StatusBatchQueued, 0); err != nil {
		return nil, fmt.Errorf("更新文档状态失败: %w", err)
	}
	metrics.PipelineTransitions.WithLabelValues(string(model.StatusBatchQueued)).Inc()
	log.Infof("[Orchestrator] 文档进入 batch_queued, doc=%s, job=%s", doc.ID, job.ID)

	submitReq := ocr.SubmitRequest{
		InputPath:    doc.StoragePath,
		FileName:     doc.FileName,
		MimeType:     doc.MimeType,
		OutputPrefix: job.OutputPrefix,
	}
	err := o.pool.Submit(func(ctx context.Context) {
		o.submit(ctx, doc.ID, job.ID, submitReq)
	})
	if err != nil {
		log.Errorf("[Orchestrator] 提交 OCR 任务到队列失败, doc=%s: %v", doc.ID, err)
		o.fail(ctx, doc.ID, job.ID, "submit", err.Error())
		return job, err
	}
	return job, nil
}

// submit 在 worker 中执行：提交 OCR，记录句柄，进入 batch_processing。
func (o *Orchestrator) submit(ctx context.Context, docID, jobID string, req ocr.SubmitRequest) {
	handle, err := o.engine.Submit(ctx, req)
	if err != nil {
		log.Errorf("[Orchestrator] OCR 提交失败, doc=%s: %v", docID, err)
		o.fail(ctx, docID, jobID, "submit", fmt.Sprintf("ocr submit failed: %v", err))
		return
	}
	if err := o.repos.Jobs.MarkRunning(ctx, jobID, handle); err != nil {
		log.Errorf("[Orchestrator] 记录 OCR 句柄失败, job=%s: %v", jobID, err)
		o.fail(ctx, docID, jobID, "submit", fmt.Sprintf("record operation handle: %v", err))
		return
	}
	if err := o.repos.Documents.UpdateStatus(ctx, docID, model.StatusBatchProcessing, 0); err != nil {
		log.Errorf("[Orchestrator] 更新文档状态失败, doc=%s: %v", docID, err)
		return
	}
	metrics.PipelineTransitions.WithLabelValues(string(model.StatusBatchProcessing)).Inc()
	log.Infof("[Orchestrator] OCR 已提交, doc=%s, job=%s, handle=%s", docID, jobID, handle)
}

// Poll 返回文档的最新状态，并在 OCR 完成时推进状态机。
// 基础设施错误（数据库、OCR 查询失败）直接返回，不写入文档状态；OCR 句柄失效时记为失败。
func (o *Orchestrator) Poll(ctx context.Context, documentID string) (*model.StatusReport, error) {
	doc, err := o.repos.Documents.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	job, err := o.repos.Jobs.FindLatestByDocument(ctx, documentID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if doc.Status == model.StatusBatchProcessing && job != nil && job.Status == model.JobRunning {
		if err := o.advance(ctx, doc, job); err != nil {
			return nil, err
		}
		if doc, err = o.repos.Documents.FindByID(ctx, documentID); err != nil {
			return nil, err
		}
		if job, err = o.repos.Jobs.FindByID(ctx, job.ID); err != nil {
			return nil, err
		}
	}
	return o.report(ctx, doc, job)
}

// advance 查询 OCR 操作并在完成时推进。
func (o *Orchestrator) advance(ctx context.Context, doc *model.Document, job *model.ProcessingJob) error {
	st, err := o.engine.Status(ctx, job.OperationHandle)
	if errors.Is(err, ocr.ErrUnknownOperation) {
		// 句柄已失效（如本地引擎重启），操作不会再完成
		log.Warnf("[Orchestrator] OCR 操作已丢失, doc=%s, handle=%s", doc.ID, job.OperationHandle)
		o.fail(ctx, doc.ID, job.ID, "ocr", "ocr operation lost; please upload the document again")
		return nil
	}
	if err != nil {
		return fmt.Errorf("查询 OCR 状态失败: %w", err)
	}
	if !st.Done {
		return nil
	}
	if st.Error != "" {
		log.Warnf("[Orchestrator] OCR 返回错误, doc=%s: %s", doc.ID, st.Error)
		o.fail(ctx, doc.ID, job.ID, "ocr", st.Error)
		return nil
	}

	// 只有 CAS 成功的轮询方继续
	claimed, err := o.repos.Jobs.Claim(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("认领任务失败: %w", err)
	}
	if !claimed {
		log.Infof("[Orchestrator] 任务已被其他请求认领, job=%s", job.ID)
		return nil
	}

	pages, err := o.engine.FetchResults(ctx, job.OutputPrefix)
	if err != nil {
		o.fail(ctx, doc.ID, job.ID, "fetch", fmt.Sprintf("fetch ocr results: %v", err))
		return nil
	}
	if !hasText(pages) {
		o.fail(ctx, doc.ID, job.ID, "fetch", ErrNoExtractableContent.Error())
		return nil
	}

	if err := o.repos.Documents.UpdateStatus(ctx, doc.ID, model.StatusProcessing, 75); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}
	metrics.PipelineTransitions.WithLabelValues(string(model.StatusProcessing)).Inc()
	log.Infof("[Orchestrator] OCR 完成, 共 %d 页, 投递后处理任务, doc=%s", len(pages), doc.ID)

	task := tasks.PostProcessTask{DocumentID: doc.ID, JobID: job.ID, OutputPrefix: job.OutputPrefix}
	if err := o.queue.Enqueue(ctx, task); err != nil {
		log.Errorf("[Orchestrator] 投递后处理任务失败, doc=%s: %v", doc.ID, err)
		o.fail(ctx, doc.ID, job.ID, "enqueue", fmt.Sprintf("enqueue post-processing: %v", err))
	}
	return nil
}

func (o *Orchestrator) report(ctx context.Context, doc *model.Document, job *model.ProcessingJob) (*model.StatusReport, error) {
	r := &model.StatusReport{
		DocumentID: doc.ID,
		Status:     doc.Status,
		Progress:   doc.Progress,
		Summary:    doc.Summary,
	}
	if job != nil {
		r.JobStatus = job.Status
		r.JobError = job.ErrorMessage
	}
	if doc.Status == model.StatusError && r.JobError == "" {
		r.JobError = doc.ErrorMessage
	}
	if doc.Status == model.StatusProcessed {
		chunks, err := o.repos.Chunks.FindByDocument(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		r.Chunks = chunks
	}
	return r, nil
}

// fail 记录失败；写入本身出错只记日志。
func (o *Orchestrator) fail(ctx context.Context, docID, jobID, stage, message string) {
	metrics.PipelineFailures.WithLabelValues(stage).Inc()
	if err := o.repos.Documents.Fail(ctx, docID, message); err != nil {
		log.Errorf("[Orchestrator] 写入文档失败状态出错, doc=%s: %v", docID, err)
	} else {
		metrics.PipelineTransitions.WithLabelValues(string(model.StatusError)).Inc()
	}
	if err := o.repos.Jobs.Fail(ctx, jobID, message); err != nil {
		log.Errorf("[Orchestrator] 写入任务失败状态出错, job=%s: %v", jobID, err)
	}
}

func hasText(pages []ocr.Page) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

// UploadPath 返回原始文件的存储路径。
func UploadPath(documentID, fileName string) string {
	return fmt.Sprintf("uploads/%s/%s", documentID, path.Base(fileName))
}
