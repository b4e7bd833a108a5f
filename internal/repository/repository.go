// Package repository 定义了与数据库进行数据交换的接口和实现。
//
// 所有写操作都是针对单个字段集合的窄更新，不做整行读改写。
// 每个接口都有 GORM 实现和内存实现，后者用于本地运行和测试。
package repository

import (
	"errors"

	"gorm.io/gorm"

	"docqa-go/internal/model"
)

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition 表示状态流转不合法（比如从终态回退）。
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repositories 汇总了服务需要的全部仓储。
type Repositories struct {
	Documents DocumentRepository
	Jobs      JobRepository
	Chunks    ChunkRepository
	Turns     ChatTurnRepository
}

// NewGormRepositories 基于 GORM 创建全部仓储。
func NewGormRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Documents: NewDocumentRepository(db),
		Jobs:      NewJobRepository(db),
		Chunks:    NewChunkRepository(db),
		Turns:     NewChatTurnRepository(db),
	}
}

// NewMemoryRepositories 创建全部内存仓储。
func NewMemoryRepositories() Repositories {
	return Repositories{
		Documents: NewMemoryDocumentRepository(),
		Jobs:      NewMemoryJobRepository(),
		Chunks:    NewMemoryChunkRepository(),
		Turns:     NewMemoryChatTurnRepository(),
	}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// sourceStatuses 返回可以流转到 next 的全部状态。
func sourceStatuses(next model.ProcessingStatus) []model.ProcessingStatus {
	var out []model.ProcessingStatus
	for _, s := range model.AllStatuses() {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}
