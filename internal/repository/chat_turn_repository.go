package repository

import (
	"context"

	"gorm.io/gorm"

	"docqa-go/internal/model"
)

// ChatTurnRepository 接口定义了问答记录的持久化操作。记录只追加，不删除。
type ChatTurnRepository interface {
	Create(ctx context.Context, turn *model.ChatTurn) error
	// UpdateHistory 只改写 history 字段。
	UpdateHistory(ctx context.Context, id uint, history []model.HistoryEntry) error
	// RecentBySession 按时间正序返回会话最近 limit 条记录。
	RecentBySession(ctx context.Context, userID uint, sessionID string, limit int) ([]model.ChatTurn, error)
	// FindByDocument 返回文档下的记录，sessionID 非空时只返回该会话。
	FindByDocument(ctx context.Context, userID uint, documentID, sessionID string) ([]model.ChatTurn, error)
	// FindBySession 返回会话的全部记录，不论是否关联文档。
	FindBySession(ctx context.Context, userID uint, sessionID string) ([]model.ChatTurn, error)
	FindByUser(ctx context.Context, userID uint) ([]model.ChatTurn, error)
}

type chatTurnRepository struct {
	db *gorm.DB
}

// NewChatTurnRepository 创建一个新的 ChatTurnRepository 实例。
func NewChatTurnRepository(db *gorm.DB) ChatTurnRepository {
	return &chatTurnRepository{db: db}
}

func (r *chatTurnRepository) Create(ctx context.Context, turn *model.ChatTurn) error {
	return r.db.WithContext(ctx).Create(turn).Error
}

func (r *chatTurnRepository) UpdateHistory(ctx context.Context, id uint, history []model.HistoryEntry) error {
	res := r.db.WithContext(ctx).Model(&model.ChatTurn{ID: id}).Select("history").
		Updates(&model.ChatTurn{History: history})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *chatTurnRepository) RecentBySession(ctx context.Context, userID uint, sessionID string, limit int) ([]model.ChatTurn, error) {
	var turns []model.ChatTurn
	err := r.db.WithContext(ctx).Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id DESC").Limit(limit).Find(&turns).Error
	if err != nil {
		return nil, err
	}
	// 反转为时间正序
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (r *chatTurnRepository) FindByDocument(ctx context.Context, userID uint, documentID, sessionID string) ([]model.ChatTurn, error) {
	var turns []model.ChatTurn
	q := r.db.WithContext(ctx).Where("user_id = ? AND document_id = ?", userID, documentID)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	err := q.Order("id ASC").Find(&turns).Error
	return turns, err
}

func (r *chatTurnRepository) FindBySession(ctx context.Context, userID uint, sessionID string) ([]model.ChatTurn, error) {
	var turns []model.ChatTurn
	err := r.db.WithContext(ctx).Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id ASC").Find(&turns).Error
	return turns, err
}

func (r *chatTurnRepository) FindByUser(ctx context.Context, userID uint) ([]model.ChatTurn, error) {
	var turns []model.ChatTurn
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&turns).Error
	return turns, err
}
