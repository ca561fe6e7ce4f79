package workerpool

import (
	"context"
	"log/slog"
	"sync"
)

// Task 任务函数类型
type Task func()

// Pool 通知扇出用的 Worker Pool
// 回执通知对顺序不敏感，适合离开连接的读循环异步执行；
// 有序的业务事件不要经过这里
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once
	logger    *slog.Logger
}

// New 创建并启动 Worker Pool
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queue_size", queueSize)

	return pool
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	// 队列关闭后排空剩余任务再退出
	for task := range p.taskQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Task panic recovered",
						"worker_id", id,
						"panic", r)
				}
			}()
			task()
		}()
	}
}

// Submit 提交任务，队列满时阻塞直到有空位或池已关闭
func (p *Pool) Submit(task Task) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}

	select {
	case <-p.ctx.Done():
		return false
	case p.taskQueue <- task:
		return true
	}
}

// TrySubmit 提交任务，队列满时立即返回 false
func (p *Pool) TrySubmit(task Task) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Shutdown 停止接收新任务，等待已入队任务执行完成（幂等）
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		p.cancel()
		close(p.taskQueue)
		p.wg.Wait()
		p.logger.Info("Worker pool shutdown completed")
	})
}
