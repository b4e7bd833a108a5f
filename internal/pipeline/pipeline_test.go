package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/chunking"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/internal/vectorstore"
	"docqa-go/pkg/ocr"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tasks"
	"docqa-go/pkg/workerpool"
)

type fakeEngine struct {
	mu          sync.Mutex
	gate        chan struct{}
	status      ocr.OperationStatus
	statusErr   error
	pages       []ocr.Page
	submits     int
	statusCalls int
}

func (e *fakeEngine) Submit(_ context.Context, _ ocr.SubmitRequest) (string, error) {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submits++
	return "op-1", nil
}

func (e *fakeEngine) Status(_ context.Context, _ string) (ocr.OperationStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusCalls++
	return e.status, e.statusErr
}

func (e *fakeEngine) FetchResults(_ context.Context, _ string) ([]ocr.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pages, nil
}

func (e *fakeEngine) set(st ocr.OperationStatus, pages []ocr.Page) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = st
	e.pages = pages
}

func (e *fakeEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusCalls
}

type captureQueue struct {
	mu    sync.Mutex
	tasks []tasks.PostProcessTask
}

func (q *captureQueue) Enqueue(_ context.Context, task tasks.PostProcessTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *captureQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type fakeEmbedder struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	short     bool
}

func (f *fakeEmbedder) Model() string { return "fake-embed" }

func (f *fakeEmbedder) EmbedAll(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return nil, errors.New("upstream 503")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	if f.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

type fakeSummarizer struct {
	out string
	err error
}

func (s fakeSummarizer) Summarize(context.Context, string) (string, error) { return s.out, s.err }

type nilChunker struct{}

func (nilChunker) Method() chunking.Method                         { return chunking.MethodFixed }
func (nilChunker) Chunk(string, []chunking.Block) []chunking.Unit { return nil }

type env struct {
	repos    repository.Repositories
	engine   *fakeEngine
	pool     *workerpool.Pool
	queue    *captureQueue
	orch     *Orchestrator
	embedder *fakeEmbedder
	vectors  *vectorstore.Memory
	runner   *Runner
}

func newEnv(t *testing.T, chunker chunking.Chunker, summarizer Summarizer) *env {
	t.Helper()
	if chunker == nil {
		var err error
		chunker, err = chunking.New(chunking.MethodRecursive, chunking.Options{ChunkSize: 200, ChunkOverlap: 20, MinChunkSize: 50})
		require.NoError(t, err)
	}
	e := &env{
		repos:    repository.NewMemoryRepositories(),
		engine:   &fakeEngine{},
		pool:     workerpool.New(1, 4),
		queue:    &captureQueue{},
		embedder: &fakeEmbedder{},
		vectors:  vectorstore.NewMemory(),
	}
	e.orch = NewOrchestrator(e.repos, e.engine, e.pool, e.queue)
	proc := NewProcessor(e.repos, e.engine, chunker, e.embedder, e.vectors, summarizer)
	e.runner = NewRunner(proc, e.repos, 3, time.Millisecond)
	return e
}

func (e *env) createDoc(t *testing.T, id string) *model.Document {
	t.Helper()
	doc := &model.Document{
		ID: id, UserID: 1, FileName: "contract.pdf", MimeType: "application/pdf",
		StoragePath: UploadPath(id, "contract.pdf"), Status: model.StatusQueued,
	}
	require.NoError(t, e.repos.Documents.Create(context.Background(), doc))
	return doc
}

// toRunning 开启处理并等待 OCR 提交完成。
func (e *env) toRunning(t *testing.T, id string) *model.ProcessingJob {
	t.Helper()
	job, err := e.orch.Start(context.Background(), e.createDoc(t, id))
	require.NoError(t, err)
	require.NoError(t, e.pool.Shutdown(context.Background()))
	return job
}

var twoPages = []ocr.Page{
	{Page: 1, Text: "ARTICLE 1 Definitions\n\nThe Agreement means this master services agreement between the parties."},
	{Page: 2, Text: "ARTICLE 2 Termination\n\nEither party may terminate this Agreement with thirty days written notice."},
}

func TestOrchestrator_HappyPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, fakeSummarizer{out: "a contract"})
	e.engine.gate = make(chan struct{})

	job, err := e.orch.Start(ctx, e.createDoc(t, "doc-1"))
	require.NoError(t, err)
	assert.Equal(t, "ocr-output/doc-1/"+job.ID+"/", job.OutputPrefix)

	r, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBatchQueued, r.Status)

	close(e.engine.gate)
	require.NoError(t, e.pool.Shutdown(ctx))

	r, err = e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBatchProcessing, r.Status)
	assert.Equal(t, model.JobRunning, r.JobStatus)

	e.engine.set(ocr.OperationStatus{Done: true}, twoPages)
	r, err = e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, r.Status)
	assert.Equal(t, 75, r.Progress)
	assert.Equal(t, model.JobClaimed, r.JobStatus)
	require.Equal(t, 1, e.queue.len())

	require.NoError(t, e.runner.Handle(ctx, e.queue.tasks[0]))

	r, err = e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessed, r.Status)
	assert.Equal(t, 100, r.Progress)
	assert.Equal(t, model.JobCompleted, r.JobStatus)
	require.NotEmpty(t, r.Chunks)
	assert.Equal(t, 1, r.Chunks[0].PageStart)
	assert.Equal(t, len(r.Chunks), e.vectors.Len())
	require.NotNil(t, r.Summary)
	assert.Equal(t, "a contract", *r.Summary)

	// 幂等：重复查询不再访问 OCR
	before := e.engine.calls()
	for i := 0; i < 3; i++ {
		again, err := e.orch.Poll(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, r.Chunks, again.Chunks)
	}
	assert.Equal(t, before, e.engine.calls())
}

func TestOrchestrator_OCRErrorFailsDocument(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.toRunning(t, "doc-1")
	e.engine.set(ocr.OperationStatus{Done: true, Error: "unsupported layout"}, nil)

	r, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, r.Status)
	assert.Equal(t, 0, r.Progress)
	assert.Equal(t, model.JobFailed, r.JobStatus)
	assert.Equal(t, "unsupported layout", r.JobError)
	assert.Empty(t, r.Chunks)
	assert.Zero(t, e.queue.len())
}

func TestOrchestrator_NoExtractableContent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.toRunning(t, "doc-1")
	e.engine.set(ocr.OperationStatus{Done: true}, []ocr.Page{{Page: 1, Text: "  \n\t"}})

	r, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, r.Status)
	assert.Equal(t, "no extractable content", r.JobError)
}

func TestOrchestrator_StatusErrorIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.toRunning(t, "doc-1")
	e.engine.statusErr = errors.New("connection refused")

	_, err := e.orch.Poll(ctx, "doc-1")
	require.Error(t, err)

	doc, err := e.repos.Documents.FindByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBatchProcessing, doc.Status)
}

func TestOrchestrator_LostOperationFailsDocument(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.toRunning(t, "doc-1")
	e.engine.statusErr = fmt.Errorf("%w %q", ocr.ErrUnknownOperation, "op-1")

	r, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, r.Status)
	assert.Equal(t, model.JobFailed, r.JobStatus)
	assert.Contains(t, r.JobError, "ocr operation lost")

	// 终态后不再查询引擎
	before := e.engine.calls()
	again, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, again.Status)
	assert.Equal(t, before, e.engine.calls())
}

func TestOrchestrator_RestartedLocalEngine(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.toRunning(t, "doc-1")

	// 进程重启：同一份数据库，一个全新的本地引擎
	restarted := NewOrchestrator(e.repos, ocr.NewLocalEngine(storage.NewMemoryStore(), nil), workerpool.New(1, 1), e.queue)
	for i := 0; i < 3; i++ {
		r, err := restarted.Poll(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusError, r.Status)
		assert.Equal(t, model.JobFailed, r.JobStatus)
	}
	assert.Zero(t, e.queue.len())
}

func TestOrchestrator_QueueFull(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.pool = workerpool.New(1, 0)
	e.orch = NewOrchestrator(e.repos, e.engine, e.pool, e.queue)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.pool.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	job, err := e.orch.Start(ctx, e.createDoc(t, "doc-1"))
	assert.ErrorIs(t, err, workerpool.ErrQueueFull)
	require.NotNil(t, job)

	r, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, r.Status)
	assert.Equal(t, model.JobFailed, r.JobStatus)
	assert.Equal(t, "processing queue full", r.JobError)

	close(release)
	require.NoError(t, e.pool.Shutdown(ctx))
}

func TestOrchestrator_ConcurrentPollsClaimOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.toRunning(t, "doc-1")
	e.engine.set(ocr.OperationStatus{Done: true}, twoPages)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.orch.Poll(ctx, "doc-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.queue.len())
}

func TestRunner_EmbeddingMismatchFailsDocument(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.embedder.short = true
	job := e.toRunning(t, "doc-1")
	e.engine.set(ocr.OperationStatus{Done: true}, twoPages)
	_, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)

	require.NoError(t, e.runner.Handle(ctx, e.queue.tasks[0]))
	assert.Equal(t, 1, e.embedder.calls, "mismatch is not retried")

	r, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, r.Status)
	assert.Equal(t, model.JobFailed, r.JobStatus)
	assert.Contains(t, r.JobError, "embedding count")
	assert.Empty(t, r.Chunks)

	chunks, _ := e.repos.Chunks.FindByDocument(ctx, job.DocumentID)
	assert.Empty(t, chunks)
}

func TestRunner_RetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.embedder.failFirst = 1
	e.toRunning(t, "doc-1")
	e.engine.set(ocr.OperationStatus{Done: true}, twoPages)
	_, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)

	require.NoError(t, e.runner.Handle(ctx, e.queue.tasks[0]))
	assert.Equal(t, 2, e.embedder.calls)

	doc, _ := e.repos.Documents.FindByID(ctx, "doc-1")
	assert.Equal(t, model.StatusProcessed, doc.Status)
}

func TestRunner_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.embedder.failFirst = 100
	e.toRunning(t, "doc-1")
	e.engine.set(ocr.OperationStatus{Done: true}, twoPages)
	_, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)

	require.NoError(t, e.runner.Handle(ctx, e.queue.tasks[0]))
	assert.Equal(t, 3, e.embedder.calls)

	r, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, r.Status)
	assert.Contains(t, r.JobError, "upstream 503")
}

func TestProcessor_ZeroChunksIsProcessed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nilChunker{}, nil)
	e.toRunning(t, "doc-1")
	e.engine.set(ocr.OperationStatus{Done: true}, twoPages)
	_, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)

	require.NoError(t, e.runner.Handle(ctx, e.queue.tasks[0]))
	r, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessed, r.Status)
	assert.Equal(t, 100, r.Progress)
	assert.Empty(t, r.Chunks)
	assert.Zero(t, e.embedder.calls)
}

func TestProcessor_SummaryFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, fakeSummarizer{err: errors.New("llm down")})
	e.toRunning(t, "doc-1")
	e.engine.set(ocr.OperationStatus{Done: true}, twoPages)
	_, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)

	require.NoError(t, e.runner.Handle(ctx, e.queue.tasks[0]))
	doc, _ := e.repos.Documents.FindByID(ctx, "doc-1")
	assert.Equal(t, model.StatusProcessed, doc.Status)
	assert.Nil(t, doc.Summary)
	assert.Equal(t, 1, e.embedder.calls)
}

func TestProcessor_DuplicateTaskIsSkipped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.toRunning(t, "doc-1")
	e.engine.set(ocr.OperationStatus{Done: true}, twoPages)
	_, err := e.orch.Poll(ctx, "doc-1")
	require.NoError(t, err)

	task := e.queue.tasks[0]
	require.NoError(t, e.runner.Handle(ctx, task))
	require.NoError(t, e.runner.Handle(ctx, task))
	assert.Equal(t, 1, e.embedder.calls)
}

func TestInlineQueue_RunsHandler(t *testing.T) {
	pool := workerpool.New(1, 1)
	done := make(chan tasks.PostProcessTask, 1)
	q := NewInlineQueue(pool, tasks.HandlerFunc(func(_ context.Context, task tasks.PostProcessTask) error {
		done <- task
		return nil
	}))
	require.NoError(t, q.Enqueue(context.Background(), tasks.PostProcessTask{DocumentID: "d"}))
	assert.Equal(t, "d", (<-done).DocumentID)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestBlocksFromPages_DropsBlankPages(t *testing.T) {
	blocks := BlocksFromPages([]ocr.Page{{Page: 1, Text: " "}, {Page: 2, Text: "x", Heading: "H"}})
	require.Len(t, blocks, 1)
	assert.Equal(t, chunking.Block{Text: "x", PageStart: 2, PageEnd: 2, Heading: "H"}, blocks[0])
}

func TestFrequencySummarizer(t *testing.T) {
	s := NewFrequencySummarizer(2)
	text := "Termination requires notice. The weather is nice. Notice of termination must be written. Lunch was fine."
	out, err := s.Summarize(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, "Termination requires notice. Notice of termination must be written.", out)

	_, err = s.Summarize(context.Background(), "   ")
	assert.Error(t, err)
}

func TestNewSummarizer(t *testing.T) {
	assert.Nil(t, NewSummarizer(configSummary("none"), nil))
	assert.IsType(t, &FrequencySummarizer{}, NewSummarizer(configSummary("extractive"), nil))
	assert.IsType(t, &FrequencySummarizer{}, NewSummarizer(configSummary("llm"), nil))
}

func TestUploadPath(t *testing.T) {
	assert.Equal(t, "uploads/d/a.pdf", UploadPath("d", "../../a.pdf"))
	assert.True(t, strings.HasSuffix(OutputPrefix("d", "j"), "/"))
}

func configSummary(provider string) config.SummaryConfig {
	return config.SummaryConfig{Provider: provider, MaxSentences: 3}
}
