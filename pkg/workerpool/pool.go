// Package workerpool 提供一个有界的 goroutine 池，用于上传后的异步工作。
// 队列满时 Submit 立即返回 ErrQueueFull，调用方负责把失败记录下来。
package workerpool

import (
	"context"
	"errors"
	"sync"

	"docqa-go/pkg/log"
)

var (
	// ErrQueueFull 表示队列已满，任务未被接收。
	ErrQueueFull = errors.New("processing queue full")
	// ErrClosed 表示池已关闭。
	ErrClosed = errors.New("worker pool closed")
)

// Job 是池中执行的一个任务。
type Job func(ctx context.Context)

// Pool 是固定 worker 数、固定队列容量的任务池。
type Pool struct {
	queue  chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New 创建并启动 Pool。
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit 把任务放入队列，不阻塞。
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[WorkerPool] 任务 panic: %v", r)
		}
	}()
	job(p.ctx)
}

// Shutdown 停止接收新任务，等待队列中的任务执行完；ctx 到期时取消正在执行的任务。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
