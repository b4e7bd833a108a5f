package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"docqa-go/internal/middleware"
	"docqa-go/internal/service"
	"docqa-go/pkg/log"
	"docqa-go/pkg/token"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源，由网关负责跨域控制
	},
}

// ChatHandler 负责单文档对话、文件夹问答、历史查询和 WebSocket 流式对话。
type ChatHandler struct {
	chatService service.ChatService
	sessions    *service.SessionManager
	jwtManager  *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, sessions *service.SessionManager, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{chatService: chatService, sessions: sessions, jwtManager: jwtManager}
}

type chatBody struct {
	DocumentID  string `json:"document_id"`
	Question    string `json:"question"`
	SessionID   string `json:"session_id"`
	PromptLabel string `json:"prompt_label"`
	UserProfile string `json:"user_profile"`
}

type folderQueryBody struct {
	Folder      string `json:"folder"`
	Question    string `json:"question"`
	SessionID   string `json:"session_id"`
	PromptLabel string `json:"prompt_label"`
}

// Chat 处理单文档对话。
func (h *ChatHandler) Chat(c *gin.Context) {
	var body chatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	resp, err := h.chatService.Chat(c.Request.Context(), service.ChatRequest{
		UserID:      middleware.UserID(c),
		DocumentID:  body.DocumentID,
		Question:    body.Question,
		SessionID:   body.SessionID,
		PromptLabel: body.PromptLabel,
		UserProfile: body.UserProfile,
	})
	if err != nil {
		fail(c, "Chat", err)
		return
	}
	success(c, "success", resp)
}

// QueryFolder 处理文件夹问答。
func (h *ChatHandler) QueryFolder(c *gin.Context) {
	var body folderQueryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	resp, err := h.chatService.QueryFolder(c.Request.Context(), service.FolderQueryRequest{
		UserID:      middleware.UserID(c),
		Folder:      body.Folder,
		Question:    body.Question,
		SessionID:   body.SessionID,
		PromptLabel: body.PromptLabel,
	})
	if err != nil {
		fail(c, "QueryFolder", err)
		return
	}
	success(c, "success", resp)
}

// DocumentHistory 返回某个文档的对话记录，可选按 session_id 过滤。
func (h *ChatHandler) DocumentHistory(c *gin.Context) {
	turns, err := h.sessions.DocumentHistory(c.Request.Context(), middleware.UserID(c), c.Query("document_id"), c.Query("session_id"))
	if err != nil {
		fail(c, "DocumentHistory", err)
		return
	}
	success(c, "获取对话历史成功", turns)
}

// SessionHistory 返回一个会话的全部对话记录。
func (h *ChatHandler) SessionHistory(c *gin.Context) {
	turns, err := h.sessions.SessionHistory(c.Request.Context(), middleware.UserID(c), c.Param("session_id"))
	if err != nil {
		fail(c, "SessionHistory", err)
		return
	}
	success(c, "获取会话历史成功", turns)
}

// UserHistory 返回当前用户的全部对话记录。
func (h *ChatHandler) UserHistory(c *gin.Context) {
	turns, err := h.sessions.UserHistory(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, "UserHistory", err)
		return
	}
	success(c, "获取对话历史成功", turns)
}

// lockedConn 串行化对同一连接的写入：读协程回发停止确认，主循环写答案分片。
type lockedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *lockedConn) WriteMessage(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(messageType, data)
}

func (l *lockedConn) writeJSON(v interface{}) {
	b, _ := json.Marshal(v)
	_ = l.WriteMessage(websocket.TextMessage, b)
}

// wsMessage 是客户端发来的一条消息：纯文本就是问题，JSON 可以携带问题或停止指令。
type wsMessage struct {
	Type     string `json:"type"`
	Question string `json:"question"`
}

func parseWSMessage(raw []byte) wsMessage {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "{") {
		var m wsMessage
		if err := json.Unmarshal([]byte(text), &m); err == nil {
			return m
		}
	}
	return wsMessage{Question: text}
}

// maxPendingQuestions 是单个连接上排队等待回答的问题上限。
const maxPendingQuestions = 8

// Stream 处理 /chat/stream/:token 的 WebSocket 连接。token 在路径中，因为浏览器无法为 WebSocket 设置请求头。
// 每条入站消息是一个问题；{"type":"stop"} 中断当前回答的下发。
func (h *ChatHandler) Stream(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Param("token"))
	if err != nil || claims.UserID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token"})
		return
	}
	documentID := c.Query("document_id")
	if documentID == "" {
		badRequest(c, "缺少 document_id")
		return
	}
	sessionID := c.Query("session_id")
	promptLabel := c.Query("prompt_label")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("[ChatHandler] WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()
	out := &lockedConn{conn: conn}
	log.Infof("[ChatHandler] WebSocket 连接已建立, user=%d, doc=%s", claims.UserID, documentID)

	var stopped atomic.Bool
	questions := make(chan string, maxPendingQuestions)
	go func() {
		defer close(questions)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				log.Infof("[ChatHandler] WebSocket 连接关闭: %v", err)
				return
			}
			msg := parseWSMessage(raw)
			if msg.Type == "stop" {
				stopped.Store(true)
				out.writeJSON(map[string]interface{}{
					"type":      "stop",
					"message":   "响应已停止",
					"timestamp": time.Now().UnixMilli(),
				})
				continue
			}
			if msg.Question == "" {
				continue
			}
			// 读循环不能阻塞，否则收不到 stop
			if !offerQuestion(questions, msg.Question) {
				out.writeJSON(map[string]interface{}{
					"type":  "error",
					"code":  http.StatusTooManyRequests,
					"error": "待回答的问题过多，请稍后再发",
				})
			}
		}
	}()

	ctx := c.Request.Context()
	for question := range questions {
		stopped.Store(false)
		resp, err := h.chatService.StreamChat(ctx, service.ChatRequest{
			UserID:      claims.UserID,
			DocumentID:  documentID,
			Question:    question,
			SessionID:   sessionID,
			PromptLabel: promptLabel,
		}, out, stopped.Load)
		if err != nil {
			log.Errorf("[ChatHandler] 流式回答失败, doc=%s: %v", documentID, err)
			out.writeJSON(map[string]interface{}{"type": "error", "code": statusFor(err), "error": errorText(err)})
			continue
		}
		// 同一连接上的后续问题沿用该会话
		sessionID = resp.SessionID
	}
}

// offerQuestion 非阻塞地把问题放入队列，队列已满时返回 false。
func offerQuestion(questions chan<- string, question string) bool {
	select {
	case questions <- question:
		return true
	default:
		return false
	}
}

func errorText(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "AI服务暂时不可用，请稍后重试"
	}
	return err.Error()
}
