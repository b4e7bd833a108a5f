package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"docqa-go/internal/model"
)

// SessionCache 缓存会话的尾部历史。数据库中的问答记录才是权威来源，缓存可随时丢弃。
type SessionCache interface {
	Get(ctx context.Context, key string) ([]model.HistoryEntry, bool, error)
	Set(ctx context.Context, key string, entries []model.HistoryEntry) error
	Invalidate(ctx context.Context, key string) error
}

// memorySessionCapacity 是进程内缓存最多保留的会话数。
const memorySessionCapacity = 10000

type redisSessionCache struct {
	redisClient *redis.Client
	limit       int
	ttl         time.Duration
}

// NewSessionCache 创建基于 Redis 的会话缓存；redisClient 为 nil 时退化为进程内缓存。
func NewSessionCache(redisClient *redis.Client, limit int, ttl time.Duration) SessionCache {
	if limit <= 0 {
		limit = 20
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if redisClient == nil {
		return newMemorySessionCache(limit, memorySessionCapacity, ttl)
	}
	return &redisSessionCache{redisClient: redisClient, limit: limit, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("conversation:%s", sessionID)
}

// Get 从 Redis 获取会话历史，未命中时第二个返回值为 false。
func (r *redisSessionCache) Get(ctx context.Context, sessionID string) ([]model.HistoryEntry, bool, error) {
	jsonData, err := r.redisClient.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get session history: %w", err)
	}
	var entries []model.HistoryEntry
	if err := json.Unmarshal([]byte(jsonData), &entries); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal session history: %w", err)
	}
	return entries, true, nil
}

// Set 在 Redis 中更新会话历史，只保留最近 limit 条。
func (r *redisSessionCache) Set(ctx context.Context, sessionID string, entries []model.HistoryEntry) error {
	entries = Tail(entries, r.limit)
	jsonData, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal session history: %w", err)
	}
	if err := r.redisClient.Set(ctx, sessionKey(sessionID), jsonData, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session history: %w", err)
	}
	return nil
}

func (r *redisSessionCache) Invalidate(ctx context.Context, sessionID string) error {
	return r.redisClient.Del(ctx, sessionKey(sessionID)).Err()
}

// memorySessionCache 是未配置 Redis 时的进程内缓存，按 LRU 淘汰并按 ttl 过期。
type memorySessionCache struct {
	limit int
	lru   *expirable.LRU[string, []model.HistoryEntry]
}

func newMemorySessionCache(limit, size int, ttl time.Duration) *memorySessionCache {
	return &memorySessionCache{
		limit: limit,
		lru:   expirable.NewLRU[string, []model.HistoryEntry](size, nil, ttl),
	}
}

func (m *memorySessionCache) Get(_ context.Context, sessionID string) ([]model.HistoryEntry, bool, error) {
	e, ok := m.lru.Get(sessionID)
	if !ok {
		return nil, false, nil
	}
	return append([]model.HistoryEntry(nil), e...), true, nil
}

func (m *memorySessionCache) Set(_ context.Context, sessionID string, entries []model.HistoryEntry) error {
	m.lru.Add(sessionID, append([]model.HistoryEntry(nil), Tail(entries, m.limit)...))
	return nil
}

func (m *memorySessionCache) Invalidate(_ context.Context, sessionID string) error {
	m.lru.Remove(sessionID)
	return nil
}

// Tail 返回最后 n 条记录。
func Tail(entries []model.HistoryEntry, n int) []model.HistoryEntry {
	if n > 0 && len(entries) > n {
		return entries[len(entries)-n:]
	}
	return entries
}
