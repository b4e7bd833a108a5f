package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/pkg/log"
)

// DefaultHistoryLimit 是每条记录内嵌历史的最大条数。
const DefaultHistoryLimit = 20

// SessionManager 维护问答会话：解析会话 ID、读取尾部历史、追加问答记录。
// 数据库中的问答序列是权威数据，内嵌快照和 SessionCache 都是派生缓存。
type SessionManager struct {
	turns repository.ChatTurnRepository
	cache repository.SessionCache
	limit int
}

// NewSessionManager 创建会话管理器。
func NewSessionManager(turns repository.ChatTurnRepository, cache repository.SessionCache, limit int) *SessionManager {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &SessionManager{turns: turns, cache: cache, limit: limit}
}

// ResolveSessionID 校验调用方给出的会话 ID，不是合法 UUID 时生成新的。
func ResolveSessionID(sessionID string) string {
	if u, err := uuid.Parse(sessionID); err == nil {
		return u.String()
	}
	return uuid.NewString()
}

// Recent 返回会话最近的历史，优先读缓存。
func (m *SessionManager) Recent(ctx context.Context, userID uint, sessionID string) ([]model.HistoryEntry, error) {
	if entries, ok, err := m.cache.Get(ctx, cacheKey(userID, sessionID)); err == nil && ok {
		return entries, nil
	} else if err != nil {
		log.Warnf("[SessionManager] 读取会话缓存失败, session=%s: %v", sessionID, err)
	}
	turns, err := m.turns.RecentBySession(ctx, userID, sessionID, m.limit)
	if err != nil {
		return nil, fmt.Errorf("读取会话历史失败: %w", err)
	}
	entries := entriesOf(turns)
	m.refresh(ctx, userID, sessionID, entries)
	return entries, nil
}

// Record 追加一条问答：先以 prior 作为内嵌历史插入，再把自身补到末尾。
// 返回补齐后的历史。
func (m *SessionManager) Record(ctx context.Context, turn *model.ChatTurn, prior []model.HistoryEntry) ([]model.HistoryEntry, error) {
	prior = repository.Tail(prior, m.limit)
	turn.History = prior
	if err := m.turns.Create(ctx, turn); err != nil {
		return nil, fmt.Errorf("保存问答记录失败: %w", err)
	}
	full := make([]model.HistoryEntry, 0, len(prior)+1)
	full = append(full, prior...)
	full = repository.Tail(append(full, turn.Entry()), m.limit)
	if err := m.turns.UpdateHistory(ctx, turn.ID, full); err != nil {
		return nil, fmt.Errorf("更新内嵌历史失败: %w", err)
	}
	turn.History = full
	m.refresh(ctx, turn.UserID, turn.SessionID, full)
	return full, nil
}

// DocumentHistory 返回文档下的问答，sessionID 非空时只看该会话。
func (m *SessionManager) DocumentHistory(ctx context.Context, userID uint, documentID, sessionID string) ([]model.ChatTurn, error) {
	if documentID == "" {
		return nil, invalidf("document_id is required")
	}
	return m.turns.FindByDocument(ctx, userID, documentID, sessionID)
}

// SessionHistory 返回会话的全部问答（包括未关联文档的记录），并用结果刷新缓存。
func (m *SessionManager) SessionHistory(ctx context.Context, userID uint, sessionID string) ([]model.ChatTurn, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, invalidf("session_id must be a UUID")
	}
	turns, err := m.turns.FindBySession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	m.refresh(ctx, userID, sessionID, repository.Tail(entriesOf(turns), m.limit))
	return turns, nil
}

// UserHistory 返回用户全部会话的问答。
func (m *SessionManager) UserHistory(ctx context.Context, userID uint) ([]model.ChatTurn, error) {
	return m.turns.FindByUser(ctx, userID)
}

// refresh 用查询结果覆盖缓存。没有记录或写入失败时丢弃缓存，避免读到过期副本。
func (m *SessionManager) refresh(ctx context.Context, userID uint, sessionID string, entries []model.HistoryEntry) {
	key := cacheKey(userID, sessionID)
	if len(entries) > 0 {
		err := m.cache.Set(ctx, key, entries)
		if err == nil {
			return
		}
		log.Warnf("[SessionManager] 写入会话缓存失败, session=%s: %v", sessionID, err)
	}
	if err := m.cache.Invalidate(ctx, key); err != nil {
		log.Warnf("[SessionManager] 清理会话缓存失败, session=%s: %v", sessionID, err)
	}
}

// cacheKey 带上用户 ID，避免猜到会话 ID 就能读到别人的历史。
func cacheKey(userID uint, sessionID string) string {
	return fmt.Sprintf("%d:%s", userID, sessionID)
}

func entriesOf(turns []model.ChatTurn) []model.HistoryEntry {
	entries := make([]model.HistoryEntry, 0, len(turns))
	for i := range turns {
		entries = append(entries, turns[i].Entry())
	}
	return entries
}
