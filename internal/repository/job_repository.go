package repository

import (
	"context"

	"gorm.io/gorm"

	"docqa-go/internal/model"
)

// JobRepository 接口定义了处理任务的持久化操作。
type JobRepository interface {
	Create(ctx context.Context, job *model.ProcessingJob) error
	FindByID(ctx context.Context, id string) (*model.ProcessingJob, error)
	// FindLatestByDocument 返回文档最近一次处理任务。
	FindLatestByDocument(ctx context.Context, documentID string) (*model.ProcessingJob, error)
	// MarkRunning 记录 OCR 返回的操作句柄，queued → running。
	MarkRunning(ctx context.Context, id, handle string) error
	// Claim 原子地把任务从 running 改为 claimed，只有一个调用方会得到 true。
	Claim(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string) error
	// Fail 把未结束的任务置为 failed 并记录错误信息。
	Fail(ctx context.Context, id, message string) error
}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository 创建一个新的 JobRepository 实例。
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Create(ctx context.Context, job *model.ProcessingJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepository) FindByID(ctx context.Context, id string) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

func (r *jobRepository) FindLatestByDocument(ctx context.Context, documentID string) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	err := r.db.WithContext(ctx).Where("document_id = ?", documentID).
		Order("created_at DESC").First(&job).Error
	if err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

func (r *jobRepository) MarkRunning(ctx context.Context, id, handle string) error {
	return r.transition(ctx, id, []model.JobStatus{model.JobQueued},
		map[string]interface{}{"status": model.JobRunning, "operation_handle": handle})
}

func (r *jobRepository) Claim(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Where("id = ? AND status = ?", id, model.JobRunning).
		Update("status", model.JobClaimed)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *jobRepository) Complete(ctx context.Context, id string) error {
	return r.transition(ctx, id, []model.JobStatus{model.JobClaimed},
		map[string]interface{}{"status": model.JobCompleted})
}

func (r *jobRepository) Fail(ctx context.Context, id, message string) error {
	return r.transition(ctx, id, []model.JobStatus{model.JobQueued, model.JobRunning, model.JobClaimed},
		map[string]interface{}{"status": model.JobFailed, "error_message": message})
}

func (r *jobRepository) transition(ctx context.Context, id string, from []model.JobStatus, values map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Where("id = ? AND status IN ?", id, from).Updates(values)
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
