package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/internal/retrieval"
	"docqa-go/internal/vectorstore"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
)

const (
	refStart     = "<<REF>>"
	refEnd       = "<<END>>"
	defaultRules = "你是文档问答助手。只根据 <<REF>> 与 <<END>> 之间的资料回答，引用时标注编号，如 [1]。资料不足时直接说明无法回答。"
	excerptChars = 300
)

// ChatRequest 是单文档对话的输入。
type ChatRequest struct {
	UserID      uint
	DocumentID  string
	Question    string
	SessionID   string
	PromptLabel string
	// UserProfile 是可选的用户画像，拼入系统提示。
	UserProfile string
}

// FolderQueryRequest 是文件夹问答的输入。
type FolderQueryRequest struct {
	UserID      uint
	Folder      string
	Question    string
	SessionID   string
	PromptLabel string
}

// ChatService 定义了问答操作的接口。
type ChatService interface {
	Chat(ctx context.Context, req ChatRequest) (*model.ChatResponse, error)
	// StreamChat 把答案分片写入 writer，结束时发送完成帧并保存问答。
	StreamChat(ctx context.Context, req ChatRequest, writer llm.MessageWriter, shouldStop func() bool) (*model.ChatResponse, error)
	QueryFolder(ctx context.Context, req FolderQueryRequest) (*model.FolderQueryResponse, error)
}

// QueryEmbedder 为问题生成向量，由 embedding.Generator 实现。
type QueryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// ChatOptions 汇总检索与生成参数。
type ChatOptions struct {
	TopK       int
	FolderTopN int
	Context    retrieval.ContextOptions
	Prompts    config.PromptsConfig
	Generation config.LLMGenerationConfig
}

// ChatOptionsFromConfig 从配置生成 ChatOptions。
func ChatOptionsFromConfig(cfg config.Config) ChatOptions {
	return ChatOptions{
		TopK:       cfg.Retrieval.TopK,
		FolderTopN: cfg.Retrieval.FolderTopN,
		Context: retrieval.ContextOptions{
			MaxChars:        cfg.Retrieval.ContextMaxChars,
			SnippetMaxChars: cfg.Retrieval.SnippetMaxChars,
		},
		Prompts:    cfg.Prompts,
		Generation: cfg.LLM.Generation,
	}
}

type chatService struct {
	repos     repository.Repositories
	embedder  QueryEmbedder
	vectors   vectorstore.Store
	llmClient llm.Client
	sessions  *SessionManager
	opts      ChatOptions
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	repos repository.Repositories,
	embedder QueryEmbedder,
	vectors vectorstore.Store,
	llmClient llm.Client,
	sessions *SessionManager,
	opts ChatOptions,
) ChatService {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.FolderTopN <= 0 {
		opts.FolderTopN = retrieval.DefaultTopN
	}
	if opts.Prompts.NoResultText == "" {
		opts.Prompts.NoResultText = "（本轮无检索结果）"
	}
	return &chatService{
		repos:     repos,
		embedder:  embedder,
		vectors:   vectors,
		llmClient: llmClient,
		sessions:  sessions,
		opts:      opts,
	}
}

// prepared 是一次单文档对话在调用模型之前的全部状态。
type prepared struct {
	turn     *model.ChatTurn
	prior    []model.HistoryEntry
	messages []llm.Message
}

func (s *chatService) Chat(ctx context.Context, req ChatRequest) (*model.ChatResponse, error) {
	p, err := s.prepareDocumentChat(ctx, req)
	if err != nil {
		return nil, err
	}
	answer, err := s.llmClient.Generate(ctx, p.messages, s.generationParams())
	if err != nil {
		return nil, fmt.Errorf("生成回答失败: %w", err)
	}
	return s.finish(ctx, p, answer)
}

// StreamChat 协调检索流程并流式传输 LLM 响应。
func (s *chatService) StreamChat(ctx context.Context, req ChatRequest, writer llm.MessageWriter, shouldStop func() bool) (*model.ChatResponse, error) {
	p, err := s.prepareDocumentChat(ctx, req)
	if err != nil {
		return nil, err
	}

	// 拦截 writer 以捕获完整答案，并包装为 JSON 分块
	answerBuilder := &strings.Builder{}
	interceptor := &wsWriterInterceptor{conn: writer, writer: answerBuilder, shouldStop: shouldStop}
	if err := s.llmClient.StreamChatMessages(ctx, p.messages, s.generationParams(), interceptor); err != nil {
		return nil, err
	}
	sendCompletion(writer, p.turn.SessionID)

	fullAnswer := answerBuilder.String()
	if fullAnswer == "" {
		return &model.ChatResponse{SessionID: p.turn.SessionID, History: p.prior}, nil
	}
	// 使用后台上下文，即使原始请求被取消，也保存已经生成的答案
	return s.finish(context.Background(), p, fullAnswer)
}

func (s *chatService) prepareDocumentChat(ctx context.Context, req ChatRequest) (*prepared, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, invalidf("question is required")
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		return nil, invalidf("document_id is required")
	}
	doc, err := s.repos.Documents.FindByID(ctx, req.DocumentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, req.DocumentID)
	}
	if err != nil {
		return nil, err
	}
	if doc.UserID != req.UserID {
		return nil, ErrForbidden
	}
	if doc.Status != model.StatusProcessed {
		return nil, fmt.Errorf("%w: status %s", ErrNotReady, doc.Status)
	}
	rules, tmpl, err := s.rules(req.PromptLabel)
	if err != nil {
		return nil, err
	}

	// 1. 向量检索，范围限定在该文档
	vector, err := s.embedder.EmbedOne(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("问题向量化失败: %w", err)
	}
	matches, err := s.vectors.Search(ctx, vector, s.opts.TopK, []string{doc.ID})
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}
	items := make([]retrieval.ContextItem, 0, len(matches))
	unitIDs := make([]uint, 0, len(matches))
	for _, m := range matches {
		if strings.TrimSpace(m.TextContent) == "" {
			continue
		}
		items = append(items, retrieval.ContextItem{Page: m.PageStart, Content: m.TextContent})
		unitIDs = append(unitIDs, m.UnitID)
	}
	contextText, used := retrieval.BuildContext(items, s.opts.Context)
	log.Infof("[ChatService] 单文档检索完成, doc=%s, 命中 %d, 放入上下文 %d", doc.ID, len(matches), used)

	// 2. 会话与历史
	sessionID := ResolveSessionID(req.SessionID)
	prior, err := s.sessions.Recent(ctx, req.UserID, sessionID)
	if err != nil {
		return nil, err
	}

	system := s.buildSystemMessage(rules, contextText, req.UserProfile)
	turn := &model.ChatTurn{
		UserID:        req.UserID,
		DocumentID:    &doc.ID,
		SessionID:     sessionID,
		Question:      question,
		SourceUnitIDs: unitIDs[:used],
	}
	applyTemplate(turn, tmpl)
	return &prepared{turn: turn, prior: prior, messages: composeMessages(system, prior, question)}, nil
}

func (s *chatService) finish(ctx context.Context, p *prepared, answer string) (*model.ChatResponse, error) {
	p.turn.Answer = answer
	history, err := s.sessions.Record(ctx, p.turn, p.prior)
	if err != nil {
		return nil, err
	}
	return &model.ChatResponse{Answer: answer, SessionID: p.turn.SessionID, History: history}, nil
}

// QueryFolder 对文件夹内全部已处理文档做关键词检索后回答，不依赖向量。
func (s *chatService) QueryFolder(ctx context.Context, req FolderQueryRequest) (*model.FolderQueryResponse, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, invalidf("question is required")
	}
	folder := strings.TrimSpace(req.Folder)
	if folder == "" {
		return nil, invalidf("folder is required")
	}
	rules, tmpl, err := s.rules(req.PromptLabel)
	if err != nil {
		return nil, err
	}

	docs, err := s.repos.Documents.ListByUser(ctx, req.UserID, folder)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: folder %q", ErrNotFound, folder)
	}
	var processed []model.Document
	for _, d := range docs {
		if d.Status == model.StatusProcessed {
			processed = append(processed, d)
		}
	}
	if len(processed) == 0 {
		return nil, fmt.Errorf("%w: no processed documents in folder %q", ErrNotReady, folder)
	}

	ids := make([]string, len(processed))
	for i, d := range processed {
		ids[i] = d.ID
	}
	chunks, err := s.repos.Chunks.FindByDocuments(ctx, ids)
	if err != nil {
		return nil, err
	}
	byDoc := make(map[string][]model.DocumentChunk, len(processed))
	for _, c := range chunks {
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c)
	}
	// 候选按文档列表顺序、文档内按分块顺序排列
	var candidates []retrieval.Candidate
	for _, d := range processed {
		for _, c := range byDoc[d.ID] {
			if strings.TrimSpace(c.Content) == "" {
				continue
			}
			candidates = append(candidates, retrieval.Candidate{Chunk: c, DocumentName: d.FileName})
		}
	}

	selected, fallback := retrieval.Select(question, candidates, s.opts.FolderTopN)
	contextText, used := retrieval.BuildContext(retrieval.FromScored(selected), s.opts.Context)
	selected = selected[:used]
	log.Infof("[ChatService] 文件夹检索完成, folder=%s, 文档 %d, 候选 %d, 选中 %d, fallback=%v",
		folder, len(processed), len(candidates), len(selected), fallback)

	sources := make([]model.Source, 0, len(selected))
	unitIDs := make([]uint, 0, len(selected))
	for _, sc := range selected {
		sources = append(sources, model.Source{
			DocumentID: sc.Chunk.DocumentID,
			Document:   sc.DocumentName,
			Content:    retrieval.Excerpt(sc.Chunk.Content, excerptChars),
			Page:       sc.Chunk.PageStart,
			Score:      sc.Score,
		})
		unitIDs = append(unitIDs, sc.Chunk.ID)
	}

	sessionID := ResolveSessionID(req.SessionID)
	prior, err := s.sessions.Recent(ctx, req.UserID, sessionID)
	if err != nil {
		return nil, err
	}
	messages := composeMessages(s.buildSystemMessage(rules, contextText, ""), prior, question)
	answer, err := s.llmClient.Generate(ctx, messages, s.generationParams())
	if err != nil {
		return nil, fmt.Errorf("生成回答失败: %w", err)
	}

	turn := &model.ChatTurn{
		UserID:        req.UserID,
		FolderName:    &folder,
		SessionID:     sessionID,
		Question:      question,
		Answer:        answer,
		SourceUnitIDs: unitIDs,
	}
	applyTemplate(turn, tmpl)
	if _, err := s.sessions.Record(ctx, turn, prior); err != nil {
		return nil, err
	}
	return &model.FolderQueryResponse{
		Answer:            answer,
		Sources:           sources,
		SessionID:         sessionID,
		DocumentsSearched: len(processed),
		UnitsFound:        len(selected),
	}, nil
}

// rules 返回系统提示规则；label 非空时必须命中一个模板。
func (s *chatService) rules(label string) (string, *config.PromptTemplate, error) {
	if label != "" {
		t, ok := s.opts.Prompts.Template(label)
		if !ok {
			return "", nil, invalidf("unknown prompt label %q", label)
		}
		return t.System, &t, nil
	}
	if s.opts.Prompts.System != "" {
		return s.opts.Prompts.System, nil, nil
	}
	return defaultRules, nil, nil
}

func applyTemplate(turn *model.ChatTurn, t *config.PromptTemplate) {
	if t == nil {
		return
	}
	label := t.Label
	turn.PromptLabel = &label
	turn.UsedSecretPrompt = t.Secret
}

func (s *chatService) buildSystemMessage(rules, contextText, profile string) string {
	var sys strings.Builder
	if rules != "" {
		sys.WriteString(rules)
		sys.WriteString("\n\n")
	}
	if profile = strings.TrimSpace(profile); profile != "" {
		sys.WriteString("用户信息：")
		sys.WriteString(profile)
		sys.WriteString("\n\n")
	}
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if contextText != "" {
		sys.WriteString(contextText)
	} else {
		sys.WriteString(s.opts.Prompts.NoResultText)
		sys.WriteString("\n")
	}
	sys.WriteString(refEnd)
	return sys.String()
}

func composeMessages(systemMsg string, history []model.HistoryEntry, userInput string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)*2+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemMsg})
	for _, h := range history {
		msgs = append(msgs,
			llm.Message{Role: "user", Content: h.Question},
			llm.Message{Role: "assistant", Content: h.Answer},
		)
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userInput})
	return msgs
}

func (s *chatService) generationParams() *llm.GenerationParams {
	g := s.opts.Generation
	var gp llm.GenerationParams
	if g.Temperature != 0 {
		t := g.Temperature
		gp.Temperature = &t
	}
	if g.TopP != 0 {
		p := g.TopP
		gp.TopP = &p
	}
	if g.MaxTokens != 0 {
		m := g.MaxTokens
		gp.MaxTokens = &m
	}
	if gp.Temperature == nil && gp.TopP == nil && gp.MaxTokens == nil {
		return nil
	}
	return &gp
}

// wsWriterInterceptor 包装下游 writer，用于捕获写入的答案分片。
type wsWriterInterceptor struct {
	conn       llm.MessageWriter
	writer     *strings.Builder
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	w.writer.Write(data)
	// 将原始分块包装成 {"chunk":"..."}
	b, _ := json.Marshal(map[string]string{"chunk": string(data)})
	return w.conn.WriteMessage(messageType, b)
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(w llm.MessageWriter, sessionID string) {
	notif := map[string]interface{}{
		"type":       "completion",
		"status":     "finished",
		"message":    "响应已完成",
		"session_id": sessionID,
		"timestamp":  time.Now().UnixMilli(),
		"date":       time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(notif)
	_ = w.WriteMessage(websocket.TextMessage, b)
}
