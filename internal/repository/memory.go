package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"docqa-go/internal/model"
)

// 内存实现供 database.driver=memory 和测试使用，行为与 GORM 实现保持一致。

type memoryDocumentRepository struct {
	mu   sync.RWMutex
	seq  int
	docs map[string]*memoryDoc
}

type memoryDoc struct {
	doc model.Document
	seq int
}

// NewMemoryDocumentRepository 创建内存文档仓储。
func NewMemoryDocumentRepository() DocumentRepository {
	return &memoryDocumentRepository{docs: make(map[string]*memoryDoc)}
}

func (r *memoryDocumentRepository) Create(_ context.Context, doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	r.seq++
	r.docs[doc.ID] = &memoryDoc{doc: *doc, seq: r.seq}
	return nil
}

func (r *memoryDocumentRepository) FindByID(_ context.Context, id string) (*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	doc := d.doc
	return &doc, nil
}

func (r *memoryDocumentRepository) UpdateStatus(_ context.Context, id string, status model.ProcessingStatus, progress int) error {
	return r.mutate(id, func(doc *model.Document) error {
		if !doc.Status.CanTransitionTo(status) {
			return ErrInvalidTransition
		}
		doc.Status = status
		doc.Progress = progress
		return nil
	})
}

func (r *memoryDocumentRepository) Fail(_ context.Context, id string, message string) error {
	return r.mutate(id, func(doc *model.Document) error {
		if !doc.Status.CanTransitionTo(model.StatusError) {
			return ErrInvalidTransition
		}
		doc.Status = model.StatusError
		doc.Progress = 0
		doc.ErrorMessage = message
		return nil
	})
}

func (r *memoryDocumentRepository) UpdateSummary(_ context.Context, id string, summary string) error {
	return r.mutate(id, func(doc *model.Document) error {
		doc.Summary = &summary
		return nil
	})
}

func (r *memoryDocumentRepository) ListByUser(_ context.Context, userID uint, folder string) ([]model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []*memoryDoc
	for _, d := range r.docs {
		if d.doc.UserID != userID {
			continue
		}
		if folder != "" && d.doc.FolderName() != folder {
			continue
		}
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	docs := make([]model.Document, 0, len(list))
	for _, d := range list {
		docs = append(docs, d.doc)
	}
	return docs, nil
}

func (r *memoryDocumentRepository) mutate(id string, fn func(doc *model.Document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc := d.doc
	if err := fn(&doc); err != nil {
		return err
	}
	doc.UpdatedAt = time.Now()
	d.doc = doc
	return nil
}

type memoryJobRepository struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*memoryJob
}

type memoryJob struct {
	job model.ProcessingJob
	seq int
}

// NewMemoryJobRepository 创建内存任务仓储。
func NewMemoryJobRepository() JobRepository {
	return &memoryJobRepository{jobs: make(map[string]*memoryJob)}
}

func (r *memoryJobRepository) Create(_ context.Context, job *model.ProcessingJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	r.seq++
	r.jobs[job.ID] = &memoryJob{job: *job, seq: r.seq}
	return nil
}

func (r *memoryJobRepository) FindByID(_ context.Context, id string) (*model.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	job := j.job
	return &job, nil
}

func (r *memoryJobRepository) FindLatestByDocument(_ context.Context, documentID string) (*model.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *memoryJob
	for _, j := range r.jobs {
		if j.job.DocumentID == documentID && (latest == nil || j.seq > latest.seq) {
			latest = j
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	job := latest.job
	return &job, nil
}

func (r *memoryJobRepository) MarkRunning(_ context.Context, id, handle string) error {
	return r.transition(id, []model.JobStatus{model.JobQueued}, func(job *model.ProcessingJob) {
		job.Status = model.JobRunning
		job.OperationHandle = handle
	})
}

func (r *memoryJobRepository) Claim(_ context.Context, id string) (bool, error) {
	err := r.transition(id, []model.JobStatus{model.JobRunning}, func(job *model.ProcessingJob) {
		job.Status = model.JobClaimed
	})
	switch err {
	case nil:
		return true, nil
	case ErrInvalidTransition, ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (r *memoryJobRepository) Complete(_ context.Context, id string) error {
	return r.transition(id, []model.JobStatus{model.JobClaimed}, func(job *model.ProcessingJob) {
		job.Status = model.JobCompleted
	})
}

func (r *memoryJobRepository) Fail(_ context.Context, id, message string) error {
	return r.transition(id, []model.JobStatus{model.JobQueued, model.JobRunning, model.JobClaimed}, func(job *model.ProcessingJob) {
		job.Status = model.JobFailed
		job.ErrorMessage = message
	})
}

func (r *memoryJobRepository) transition(id string, from []model.JobStatus, fn func(job *model.ProcessingJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	for _, s := range from {
		if j.job.Status == s {
			fn(&j.job)
			j.job.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrInvalidTransition
}

type memoryChunkRepository struct {
	mu     sync.RWMutex
	nextID uint
	chunks map[string][]model.DocumentChunk
}

// NewMemoryChunkRepository 创建内存分块仓储。
func NewMemoryChunkRepository() ChunkRepository {
	return &memoryChunkRepository{chunks: make(map[string][]model.DocumentChunk)}
}

func (r *memoryChunkRepository) ReplaceForDocument(_ context.Context, documentID string, chunks []model.DocumentChunk) ([]model.DocumentChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.DocumentChunk, len(chunks))
	now := time.Now()
	for i, c := range chunks {
		r.nextID++
		c.ID = r.nextID
		c.DocumentID = documentID
		c.CreatedAt = now
		out[i] = c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	if len(out) == 0 {
		delete(r.chunks, documentID)
	} else {
		r.chunks[documentID] = out
	}
	return append([]model.DocumentChunk(nil), out...), nil
}

func (r *memoryChunkRepository) FindByDocument(_ context.Context, documentID string) ([]model.DocumentChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.DocumentChunk(nil), r.chunks[documentID]...), nil
}

func (r *memoryChunkRepository) FindByDocuments(_ context.Context, documentIDs []string) ([]model.DocumentChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := append([]string(nil), documentIDs...)
	sort.Strings(ids)
	var out []model.DocumentChunk
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, r.chunks[id]...)
	}
	return out, nil
}

func (r *memoryChunkRepository) CountByDocument(_ context.Context, documentID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.chunks[documentID])), nil
}

type memoryChatTurnRepository struct {
	mu     sync.RWMutex
	nextID uint
	turns  []model.ChatTurn
}

// NewMemoryChatTurnRepository 创建内存问答记录仓储。
func NewMemoryChatTurnRepository() ChatTurnRepository {
	return &memoryChatTurnRepository{}
}

func (r *memoryChatTurnRepository) Create(_ context.Context, turn *model.ChatTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	turn.ID = r.nextID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	stored := *turn
	stored.History = append([]model.HistoryEntry(nil), turn.History...)
	r.turns = append(r.turns, stored)
	return nil
}

func (r *memoryChatTurnRepository) UpdateHistory(_ context.Context, id uint, history []model.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.turns {
		if r.turns[i].ID == id {
			r.turns[i].History = append([]model.HistoryEntry(nil), history...)
			return nil
		}
	}
	return ErrNotFound
}

func (r *memoryChatTurnRepository) RecentBySession(ctx context.Context, userID uint, sessionID string, limit int) ([]model.ChatTurn, error) {
	turns, _ := r.FindBySession(ctx, userID, sessionID)
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (r *memoryChatTurnRepository) FindByDocument(_ context.Context, userID uint, documentID, sessionID string) ([]model.ChatTurn, error) {
	return r.filter(func(t *model.ChatTurn) bool {
		return t.UserID == userID && t.DocumentID != nil && *t.DocumentID == documentID &&
			(sessionID == "" || t.SessionID == sessionID)
	}), nil
}

func (r *memoryChatTurnRepository) FindBySession(_ context.Context, userID uint, sessionID string) ([]model.ChatTurn, error) {
	return r.filter(func(t *model.ChatTurn) bool {
		return t.UserID == userID && t.SessionID == sessionID
	}), nil
}

func (r *memoryChatTurnRepository) FindByUser(_ context.Context, userID uint) ([]model.ChatTurn, error) {
	return r.filter(func(t *model.ChatTurn) bool { return t.UserID == userID }), nil
}

func (r *memoryChatTurnRepository) filter(keep func(t *model.ChatTurn) bool) []model.ChatTurn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ChatTurn
	for i := range r.turns {
		if keep(&r.turns[i]) {
			t := r.turns[i]
			t.History = append([]model.HistoryEntry(nil), t.History...)
			out = append(out, t)
		}
	}
	return out
}
