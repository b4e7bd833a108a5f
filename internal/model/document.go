// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// ProcessingStatus 是文档处理状态。
// 合法流转：queued → batch_queued → batch_processing → processing → processed，
// 任一非终态都可以进入 error，error 与 processed 均为终态。
type ProcessingStatus string

const (
	StatusQueued          ProcessingStatus = "queued"
	StatusBatchQueued     ProcessingStatus = "batch_queued"
	StatusBatchProcessing ProcessingStatus = "batch_processing"
	StatusProcessing      ProcessingStatus = "processing"
	StatusProcessed       ProcessingStatus = "processed"
	StatusError           ProcessingStatus = "error"
)

var statusOrder = map[ProcessingStatus]int{
	StatusQueued:          0,
	StatusBatchQueued:     1,
	StatusBatchProcessing: 2,
	StatusProcessing:      3,
	StatusProcessed:       4,
}

// Terminal 判断状态是否为终态。
func (s ProcessingStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusError
}

// CanTransitionTo 校验状态流转，只允许向前推进或进入 error。
func (s ProcessingStatus) CanTransitionTo(next ProcessingStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusError {
		return true
	}
	cur, ok := statusOrder[s]
	if !ok {
		return false
	}
	n, ok := statusOrder[next]
	return ok && n > cur
}

// AllStatuses 按流转顺序返回全部状态，供文件夹统计使用。
func AllStatuses() []ProcessingStatus {
	return []ProcessingStatus{
		StatusQueued, StatusBatchQueued, StatusBatchProcessing,
		StatusProcessing, StatusProcessed, StatusError,
	}
}

// Document 对应 documents 表，记录一个上传文件及其处理状态。
type Document struct {
	ID           string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID       uint             `gorm:"not null;index" json:"userId"`
	FileName     string           `gorm:"type:varchar(255);not null" json:"fileName"`
	StoragePath  string           `gorm:"type:varchar(512);not null" json:"storagePath"`
	MimeType     string           `gorm:"type:varchar(128);not null" json:"mimeType"`
	Size         int64            `gorm:"not null" json:"size"`
	Folder       *string          `gorm:"type:varchar(255);index" json:"folder,omitempty"`
	Status       ProcessingStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	Progress     int              `gorm:"not null;default:0" json:"progress"`
	ErrorMessage string           `gorm:"type:text" json:"errorMessage,omitempty"`
	Summary      *string          `gorm:"type:text" json:"summary,omitempty"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// FolderName 返回文件夹名，未归档时为空串。
func (d *Document) FolderName() string {
	if d.Folder == nil {
		return ""
	}
	return *d.Folder
}

// JobStatus 是处理任务的状态。claimed 表示某个轮询方已经取得后处理的所有权。
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobClaimed   JobStatus = "claimed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobKindBatch 是目前唯一的任务类型。
const JobKindBatch = "batch"

// ProcessingJob 对应 processing_jobs 表，代表一次处理尝试。
type ProcessingJob struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	DocumentID      string    `gorm:"type:varchar(36);not null;index" json:"documentId"`
	Kind            string    `gorm:"type:varchar(16);not null" json:"kind"`
	OperationHandle string    `gorm:"type:varchar(255)" json:"operationHandle,omitempty"`
	OutputPrefix    string    `gorm:"type:varchar(512)" json:"outputPrefix,omitempty"`
	Status          JobStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ErrorMessage    string    `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ProcessingJob) TableName() string {
	return "processing_jobs"
}
