package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/chunking"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/repository"
	"docqa-go/internal/vectorstore"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/ocr"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tasks"
	"docqa-go/pkg/workerpool"
)

type fakeLLM struct {
	mu       sync.Mutex
	answer   string
	chunks   []string
	messages [][]llm.Message
}

func (f *fakeLLM) Generate(_ context.Context, messages []llm.Message, _ *llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, messages)
	return f.answer, nil
}

func (f *fakeLLM) StreamChatMessages(_ context.Context, messages []llm.Message, _ *llm.GenerationParams, w llm.MessageWriter) error {
	f.mu.Lock()
	f.messages = append(f.messages, messages)
	f.mu.Unlock()
	for _, c := range f.chunks {
		if err := w.WriteMessage(websocket.TextMessage, []byte(c)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLLM) last() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[len(f.messages)-1]
}

// keywordEmbedder 用几个关键词的出现次数作为向量，足够区分测试文档。
type keywordEmbedder struct{}

func keywordVector(text string) []float32 {
	lower := strings.ToLower(text)
	return []float32{
		float32(strings.Count(lower, "termination")),
		float32(strings.Count(lower, "payment")),
		0.1,
	}
}

func (keywordEmbedder) Model() string { return "keyword" }

func (keywordEmbedder) EmbedAll(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = keywordVector(t)
	}
	return out, nil
}

func (keywordEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	return keywordVector(text), nil
}

type syncQueue struct{ handler tasks.Handler }

func (q syncQueue) Enqueue(ctx context.Context, task tasks.PostProcessTask) error {
	return q.handler.Handle(ctx, task)
}

type harness struct {
	repos    repository.Repositories
	docs     DocumentService
	chat     ChatService
	sessions *SessionManager
	llm      *fakeLLM
	pool     *workerpool.Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repos := repository.NewMemoryRepositories()
	store := storage.NewMemoryStore()
	engine := ocr.NewLocalEngine(store, nil)
	vectors := vectorstore.NewMemory()
	chunker, err := chunking.New(chunking.MethodRecursive, chunking.Options{ChunkSize: 300, ChunkOverlap: 0, MinChunkSize: 20})
	require.NoError(t, err)

	proc := pipeline.NewProcessor(repos, engine, chunker, keywordEmbedder{}, vectors, pipeline.NewFrequencySummarizer(2))
	runner := pipeline.NewRunner(proc, repos, 2, time.Millisecond)
	pool := workerpool.New(2, 16)
	orch := pipeline.NewOrchestrator(repos, engine, pool, syncQueue{handler: runner})
	t.Cleanup(func() {
		_ = pool.Shutdown(context.Background())
		engine.Wait()
	})

	fl := &fakeLLM{answer: "answer"}
	sessions := NewSessionManager(repos.Turns, repository.NewSessionCache(nil, 20, 0), 20)
	opts := ChatOptions{
		TopK:       3,
		FolderTopN: 6,
		Prompts: config.PromptsConfig{
			System: "rules",
			Templates: []config.PromptTemplate{
				{Label: "legal", System: "legal rules"},
				{Label: "internal", System: "secret rules", Secret: true},
			},
		},
	}
	return &harness{
		repos:    repos,
		docs:     NewDocumentService(repos, store, orch, time.Minute),
		chat:     NewChatService(repos, keywordEmbedder{}, vectors, fl, sessions, opts),
		sessions: sessions,
		llm:      fl,
		pool:     pool,
	}
}

// upload 上传并轮询到终态。
func (h *harness) upload(t *testing.T, userID uint, folder, name, content string) *model.Document {
	t.Helper()
	ctx := context.Background()
	doc, err := h.docs.Upload(ctx, UploadRequest{UserID: userID, FileName: name, Folder: folder, Data: []byte(content)})
	require.NoError(t, err)
	assert.Contains(t, []model.ProcessingStatus{model.StatusBatchQueued, model.StatusBatchProcessing}, doc.Status)

	require.Eventually(t, func() bool {
		r, err := h.docs.Status(ctx, userID, doc.ID)
		return err == nil && r.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)

	doc, err = h.repos.Documents.FindByID(ctx, doc.ID)
	require.NoError(t, err)
	return doc
}

const (
	contractA = "MASTER SERVICES AGREEMENT\n\nThe termination clause allows either party to end the agreement with thirty days notice.\n\nPayment is due monthly."
	contractB = "SUPPLY AGREEMENT\n\nTermination for cause requires written notice of the breach. The termination clause survives assignment."
	contractC = "LEASE\n\nRent is payable on the first day of each month. The tenant maintains the premises."
)

func TestDocumentService_UploadAndProcess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, 1, "contracts", "a.txt", contractA)
	assert.Equal(t, model.StatusProcessed, doc.Status)
	assert.Equal(t, 100, doc.Progress)
	assert.Equal(t, "contracts", doc.FolderName())
	assert.True(t, strings.HasPrefix(doc.MimeType, "text/plain"))
	require.NotNil(t, doc.Summary)

	r, err := h.docs.Status(ctx, 1, doc.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, r.Chunks)
	assert.Equal(t, model.JobCompleted, r.JobStatus)

	dl, err := h.docs.DownloadURL(ctx, 1, doc.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dl.DownloadURL, "memory://uploads/"+doc.ID+"/a.txt"))
	assert.Equal(t, int64(len(contractA)), dl.FileSize)

	list, err := h.docs.List(ctx, 1, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDocumentService_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.docs.Upload(ctx, UploadRequest{UserID: 1, FileName: "a.txt"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.docs.Upload(ctx, UploadRequest{UserID: 1, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	doc := h.upload(t, 1, "", "a.txt", contractA)
	_, err = h.docs.Status(ctx, 2, doc.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.docs.Status(ctx, 1, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.docs.Status(ctx, 1, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.docs.DownloadURL(ctx, 2, doc.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDocumentService_UnsupportedFileFails(t *testing.T) {
	h := newHarness(t)
	doc := h.upload(t, 1, "contracts", "blob.bin", "\x00\x01")
	assert.Equal(t, model.StatusError, doc.Status)
	assert.Contains(t, doc.ErrorMessage, "unsupported mime type")
}

func TestDocumentService_FolderStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.upload(t, 1, "contracts", "a.txt", contractA)
	h.upload(t, 1, "contracts", "b.txt", contractB)
	h.upload(t, 1, "contracts", "blob.bin", "\x00")
	h.upload(t, 1, "other", "c.txt", contractC)

	fs, err := h.docs.FolderStatus(ctx, 1, "contracts")
	require.NoError(t, err)
	assert.Equal(t, 3, fs.Total)
	assert.Equal(t, 2, fs.Counts[model.StatusProcessed])
	assert.Equal(t, 1, fs.Counts[model.StatusError])
	assert.Equal(t, 0, fs.Counts[model.StatusQueued])
	assert.Len(t, fs.Counts, len(model.AllStatuses()))
	assert.Equal(t, 100, fs.PercentComplete)

	_, err = h.docs.FolderStatus(ctx, 1, "empty")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.docs.FolderStatus(ctx, 1, " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestChatService_FolderQuery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	names := map[string]bool{}
	for i, content := range []string{contractA, contractB, contractC} {
		name := fmt.Sprintf("doc-%d.txt", i)
		names[name] = true
		h.upload(t, 1, "contracts", name, content)
	}
	h.upload(t, 1, "other", "elsewhere.txt", contractB)

	resp, err := h.chat.QueryFolder(ctx, FolderQueryRequest{UserID: 1, Folder: "contracts", Question: "What is the termination clause?"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.DocumentsSearched)
	assert.Equal(t, "answer", resp.Answer)
	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, len(resp.Sources), resp.UnitsFound)
	for _, s := range resp.Sources {
		assert.True(t, names[s.Document], "unexpected source %q", s.Document)
		assert.Greater(t, s.Score, 0.0)
	}
	for i := 1; i < len(resp.Sources); i++ {
		assert.GreaterOrEqual(t, resp.Sources[i-1].Score, resp.Sources[i].Score)
	}
	_, err = uuid.Parse(resp.SessionID)
	assert.NoError(t, err)

	system := h.llm.last()[0].Content
	assert.Contains(t, system, "<<REF>>")
	assert.Contains(t, system, "[1] (")
	assert.Contains(t, system, "termination")
}

func TestChatService_FolderQueryFallbackSamplesEveryDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.upload(t, 1, "contracts", "a.txt", contractA)
	h.upload(t, 1, "contracts", "c.txt", contractC)

	resp, err := h.chat.QueryFolder(ctx, FolderQueryRequest{UserID: 1, Folder: "contracts", Question: "what is it?"})
	require.NoError(t, err)
	docs := map[string]bool{}
	for _, s := range resp.Sources {
		docs[s.Document] = true
		assert.Zero(t, s.Score)
	}
	assert.Len(t, docs, 2)
}

func TestChatService_FolderQueryErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.chat.QueryFolder(ctx, FolderQueryRequest{UserID: 1, Folder: "contracts", Question: " "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.chat.QueryFolder(ctx, FolderQueryRequest{UserID: 1, Folder: "contracts", Question: "termination?"})
	assert.ErrorIs(t, err, ErrNotFound)

	h.upload(t, 1, "broken", "blob.bin", "\x00")
	_, err = h.chat.QueryFolder(ctx, FolderQueryRequest{UserID: 1, Folder: "broken", Question: "termination?"})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestChatService_SessionReuse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, 1, "", "a.txt", contractA)

	first, err := h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: doc.ID, Question: "What about termination?"})
	require.NoError(t, err)
	require.Len(t, first.History, 1)

	second, err := h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: doc.ID, Question: "And payment?", SessionID: first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	require.Len(t, second.History, 2)
	assert.Equal(t, "What about termination?", second.History[0].Question)
	assert.Equal(t, "And payment?", second.History[1].Question)
	assert.Less(t, second.History[0].TurnID, second.History[1].TurnID)

	msgs := h.llm.last()
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Contains(t, msgs[0].Content, "rules")

	turns, err := h.sessions.SessionHistory(ctx, 1, first.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Len(t, turns[0].History, 1)
	assert.Len(t, turns[1].History, 2)
	assert.NotEmpty(t, turns[0].SourceUnitIDs)
}

func TestChatService_HistoryBound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, 1, "", "a.txt", contractA)

	session := uuid.NewString()
	var last *model.ChatResponse
	for i := 0; i < 25; i++ {
		resp, err := h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: doc.ID, Question: fmt.Sprintf("q%d", i), SessionID: session})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(resp.History), 20)
		last = resp
	}
	require.Len(t, last.History, 20)
	assert.Equal(t, "q5", last.History[0].Question)
	assert.Equal(t, "q24", last.History[19].Question)

	turns, err := h.sessions.SessionHistory(ctx, 1, session)
	require.NoError(t, err)
	assert.Len(t, turns, 25)
	for _, tr := range turns {
		assert.LessOrEqual(t, len(tr.History), 20)
	}
}

func TestChatService_InvalidSessionIsReplaced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, 1, "", "a.txt", contractA)

	resp, err := h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: doc.ID, Question: "termination?", SessionID: "not-a-uuid"})
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", resp.SessionID)
	_, err = uuid.Parse(resp.SessionID)
	assert.NoError(t, err)
}

func TestChatService_ChatErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, 1, "", "a.txt", contractA)
	bad := h.upload(t, 1, "", "blob.bin", "\x00")

	_, err := h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: doc.ID})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: "missing", Question: "q"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.chat.Chat(ctx, ChatRequest{UserID: 2, DocumentID: doc.ID, Question: "q"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: bad.ID, Question: "q"})
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: doc.ID, Question: "q", PromptLabel: "nope"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestChatService_PromptTemplates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, 1, "", "a.txt", contractA)

	_, err := h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: doc.ID, Question: "termination?", PromptLabel: "internal", UserProfile: "法务"})
	require.NoError(t, err)
	system := h.llm.last()[0].Content
	assert.True(t, strings.HasPrefix(system, "secret rules"))
	assert.Contains(t, system, "用户信息：法务")

	turns, err := h.sessions.UserHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.True(t, turns[0].UsedSecretPrompt)
	require.NotNil(t, turns[0].PromptLabel)
	assert.Equal(t, "internal", *turns[0].PromptLabel)
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (r *frameRecorder) WriteMessage(_ int, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, m)
	return nil
}

func TestChatService_StreamChat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, 1, "", "a.txt", contractA)
	h.llm.chunks = []string{"thirty ", "days"}

	rec := &frameRecorder{}
	resp, err := h.chat.StreamChat(ctx, ChatRequest{UserID: 1, DocumentID: doc.ID, Question: "termination?"}, rec, nil)
	require.NoError(t, err)
	assert.Equal(t, "thirty days", resp.Answer)

	require.Len(t, rec.frames, 3)
	assert.Equal(t, "thirty ", rec.frames[0]["chunk"])
	assert.Equal(t, "completion", rec.frames[2]["type"])
	assert.Equal(t, resp.SessionID, rec.frames[2]["session_id"])

	turns, err := h.sessions.DocumentHistory(ctx, 1, doc.ID, resp.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "thirty days", turns[0].Answer)
}

func TestSessionManager_Scopes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, 1, "contracts", "a.txt", contractA)
	session := uuid.NewString()

	_, err := h.chat.QueryFolder(ctx, FolderQueryRequest{UserID: 1, Folder: "contracts", Question: "termination?", SessionID: session})
	require.NoError(t, err)
	_, err = h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: doc.ID, Question: "payment?", SessionID: session})
	require.NoError(t, err)
	_, err = h.chat.Chat(ctx, ChatRequest{UserID: 1, DocumentID: doc.ID, Question: "other?"})
	require.NoError(t, err)

	byDoc, err := h.sessions.DocumentHistory(ctx, 1, doc.ID, "")
	require.NoError(t, err)
	assert.Len(t, byDoc, 2)
	byDocSession, err := h.sessions.DocumentHistory(ctx, 1, doc.ID, session)
	require.NoError(t, err)
	assert.Len(t, byDocSession, 1)

	bySession, err := h.sessions.SessionHistory(ctx, 1, session)
	require.NoError(t, err)
	require.Len(t, bySession, 2)
	assert.Nil(t, bySession[0].DocumentID)
	require.NotNil(t, bySession[0].FolderName)
	assert.Equal(t, "contracts", *bySession[0].FolderName)

	all, err := h.sessions.UserHistory(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = h.sessions.SessionHistory(ctx, 1, "bad")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.sessions.DocumentHistory(ctx, 1, "", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

type flakyCache struct {
	repository.SessionCache
	failSet     bool
	invalidated []string
}

func (c *flakyCache) Set(ctx context.Context, key string, entries []model.HistoryEntry) error {
	if c.failSet {
		return fmt.Errorf("redis down")
	}
	return c.SessionCache.Set(ctx, key, entries)
}

func (c *flakyCache) Invalidate(ctx context.Context, key string) error {
	c.invalidated = append(c.invalidated, key)
	return c.SessionCache.Invalidate(ctx, key)
}

func TestSessionManager_DropsStaleCache(t *testing.T) {
	ctx := context.Background()
	cache := &flakyCache{SessionCache: repository.NewSessionCache(nil, 20, 0)}
	sessions := NewSessionManager(repository.NewMemoryChatTurnRepository(), cache, 20)
	session := uuid.NewString()
	key := cacheKey(1, session)
	stale := []model.HistoryEntry{{TurnID: 99, Question: "stale"}}

	// 数据库里没有该会话：全量读取后缓存被丢弃
	require.NoError(t, cache.SessionCache.Set(ctx, key, stale))
	turns, err := sessions.SessionHistory(ctx, 1, session)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Equal(t, []string{key}, cache.invalidated)
	recent, err := sessions.Recent(ctx, 1, session)
	require.NoError(t, err)
	assert.Empty(t, recent)

	// 缓存写入失败：旧副本同样被丢弃，下一次读走数据库
	require.NoError(t, cache.SessionCache.Set(ctx, key, stale))
	cache.failSet = true
	full, err := sessions.Record(ctx, &model.ChatTurn{UserID: 1, SessionID: session, Question: "q1", Answer: "a1"}, nil)
	require.NoError(t, err)
	require.Len(t, full, 1)
	recent, err = sessions.Recent(ctx, 1, session)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "q1", recent[0].Question)
}

func TestResolveSessionID(t *testing.T) {
	id := uuid.NewString()
	assert.Equal(t, id, ResolveSessionID(id))
	assert.NotEqual(t, "", ResolveSessionID(""))
	assert.NotEqual(t, "x", ResolveSessionID("x"))
}
