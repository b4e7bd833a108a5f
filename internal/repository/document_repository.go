package repository

import (
	"context"

	"gorm.io/gorm"

	"docqa-go/internal/model"
)

// DocumentRepository 接口定义了文档记录的持久化操作。
type DocumentRepository interface {
	Create(ctx context.Context, doc *model.Document) error
	FindByID(ctx context.Context, id string) (*model.Document, error)
	// UpdateStatus 只允许向前推进，非法流转返回 ErrInvalidTransition。
	UpdateStatus(ctx context.Context, id string, status model.ProcessingStatus, progress int) error
	// Fail 把非终态文档置为 error，progress 归零并记录错误信息。
	Fail(ctx context.Context, id string, message string) error
	UpdateSummary(ctx context.Context, id string, summary string) error
	// ListByUser 按创建时间返回用户的文档，folder 非空时只返回该文件夹。
	ListByUser(ctx context.Context, userID uint, folder string) ([]model.Document, error)
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Create(ctx context.Context, doc *model.Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

func (r *documentRepository) FindByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		return nil, translate(err)
	}
	return &doc, nil
}

func (r *documentRepository) UpdateStatus(ctx context.Context, id string, status model.ProcessingStatus, progress int) error {
	res := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status IN ?", id, sourceStatuses(status)).
		Updates(map[string]interface{}{"status": status, "progress": progress})
	return r.checkAffected(ctx, id, res)
}

func (r *documentRepository) Fail(ctx context.Context, id string, message string) error {
	res := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status IN ?", id, sourceStatuses(model.StatusError)).
		Updates(map[string]interface{}{"status": model.StatusError, "progress": 0, "error_message": message})
	return r.checkAffected(ctx, id, res)
}

func (r *documentRepository) UpdateSummary(ctx context.Context, id string, summary string) error {
	res := r.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", id).Update("summary", summary)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *documentRepository) ListByUser(ctx context.Context, userID uint, folder string) ([]model.Document, error) {
	var docs []model.Document
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if folder != "" {
		q = q.Where("folder = ?", folder)
	}
	err := q.Order("created_at ASC").Order("id ASC").Find(&docs).Error
	return docs, err
}

// checkAffected 区分“记录不存在”和“状态不允许流转”。
func (r *documentRepository) checkAffected(ctx context.Context, id string, res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}
