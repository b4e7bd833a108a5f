package model

import "time"

// DocumentChunk 对应 document_chunks 表，是文档提取文本的一个连续片段。
// 创建后不可修改；文档重新处理时整体替换。
type DocumentChunk struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID  string    `gorm:"type:varchar(36);not null;index:idx_doc_chunk,priority:1" json:"documentId"`
	ChunkIndex  int       `gorm:"not null;index:idx_doc_chunk,priority:2" json:"chunkIndex"`
	Content     string    `gorm:"type:mediumtext;not null" json:"content"`
	TokenCount  int       `gorm:"not null" json:"tokenCount"`
	PageStart   int       `gorm:"not null" json:"pageStart"`
	PageEnd     int       `gorm:"not null" json:"pageEnd"`
	Heading     string    `gorm:"type:varchar(512)" json:"heading,omitempty"`
	ChunkMethod string    `gorm:"type:varchar(32);not null" json:"chunkMethod"`
	ChunkKind   string    `gorm:"type:varchar(32)" json:"chunkKind,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (DocumentChunk) TableName() string {
	return "document_chunks"
}
