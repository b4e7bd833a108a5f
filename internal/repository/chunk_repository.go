package repository

import (
	"context"

	"gorm.io/gorm"

	"docqa-go/internal/model"
)

// ChunkRepository 接口定义了文档分块的持久化操作。
type ChunkRepository interface {
	// ReplaceForDocument 在一个事务内删除文档原有分块并写入新分块，返回带 ID 的分块。
	ReplaceForDocument(ctx context.Context, documentID string, chunks []model.DocumentChunk) ([]model.DocumentChunk, error)
	FindByDocument(ctx context.Context, documentID string) ([]model.DocumentChunk, error)
	// FindByDocuments 按 document_id、chunk_index 排序返回多个文档的分块。
	FindByDocuments(ctx context.Context, documentIDs []string) ([]model.DocumentChunk, error)
	CountByDocument(ctx context.Context, documentID string) (int64, error)
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

func (r *chunkRepository) ReplaceForDocument(ctx context.Context, documentID string, chunks []model.DocumentChunk) ([]model.DocumentChunk, error) {
	out := make([]model.DocumentChunk, len(chunks))
	copy(out, chunks)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&model.DocumentChunk{}).Error; err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		for i := range out {
			out[i].ID = 0
			out[i].DocumentID = documentID
		}
		return tx.CreateInBatches(&out, 200).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chunkRepository) FindByDocument(ctx context.Context, documentID string) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Order("chunk_index ASC").Find(&chunks).Error
	return chunks, err
}

func (r *chunkRepository) FindByDocuments(ctx context.Context, documentIDs []string) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	if len(documentIDs) == 0 {
		return chunks, nil
	}
	err := r.db.WithContext(ctx).Where("document_id IN ?", documentIDs).
		Order("document_id ASC").Order("chunk_index ASC").Find(&chunks).Error
	return chunks, err
}

func (r *chunkRepository) CountByDocument(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.DocumentChunk{}).Where("document_id = ?", documentID).Count(&n).Error
	return n, err
}
