package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/pkg/log"
	"docqa-go/pkg/metrics"
	"docqa-go/pkg/tasks"
	"docqa-go/pkg/workerpool"
)

// Runner 是后处理唯一的入口：有限次数、指数退避地重试 Processor，
// 最终失败时把文档置为 error、任务置为 failed。
type Runner struct {
	processor   *Processor
	repos       repository.Repositories
	maxAttempts int
	baseDelay   time.Duration
}

// NewRunner 创建 Runner。maxAttempts 包含第一次执行。
func NewRunner(processor *Processor, repos repository.Repositories, maxAttempts int, baseDelay time.Duration) *Runner {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	return &Runner{processor: processor, repos: repos, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNoExtractableContent) ||
		errors.Is(err, ErrEmbeddingMismatch) ||
		errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, repository.ErrInvalidTransition)
}

// Handle 实现 tasks.Handler。失败状态落库成功后返回 nil，消息不再重投；
// 只有落库本身失败时才返回错误。
func (r *Runner) Handle(ctx context.Context, task tasks.PostProcessTask) error {
	attempt := 0
	op := func() error {
		attempt++
		err := r.processor.Process(ctx, task)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.baseDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warnf("[Runner] 后处理第 %d 次失败, %s 后重试, doc=%s: %v", attempt, wait, task.DocumentID, err)
	})
	if err == nil {
		return nil
	}

	log.Errorf("[Runner] 后处理最终失败(尝试 %d 次), doc=%s, job=%s: %v", attempt, task.DocumentID, task.JobID, err)
	metrics.PipelineFailures.WithLabelValues("post_process").Inc()
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return r.markFailed(ctx, task, err.Error())
}

func (r *Runner) markFailed(ctx context.Context, task tasks.PostProcessTask, message string) error {
	if err := r.repos.Documents.Fail(ctx, task.DocumentID, message); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		return err
	}
	metrics.PipelineTransitions.WithLabelValues(string(model.StatusError)).Inc()
	if err := r.repos.Jobs.Fail(ctx, task.JobID, message); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		return err
	}
	return nil
}

// InlineQueue 在进程内的 worker 池上执行后处理任务，用于未配置 Kafka 的部署。
type InlineQueue struct {
	pool    *workerpool.Pool
	handler tasks.Handler
}

// NewInlineQueue 创建进程内任务队列。
func NewInlineQueue(pool *workerpool.Pool, handler tasks.Handler) *InlineQueue {
	return &InlineQueue{pool: pool, handler: handler}
}

// Enqueue 把任务放入 worker 池，队列满时返回 workerpool.ErrQueueFull。
func (q *InlineQueue) Enqueue(_ context.Context, task tasks.PostProcessTask) error {
	return q.pool.Submit(func(ctx context.Context) {
		if err := q.handler.Handle(ctx, task); err != nil {
			log.Errorf("[InlineQueue] 后处理任务落库失败, doc=%s: %v", task.DocumentID, err)
		}
	})
}
