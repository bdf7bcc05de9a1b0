package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed 队列已关闭。
	ErrClosed = errors.New("queue is closed")
	// ErrFull 队列已满，任务被丢弃。
	ErrFull = errors.New("queue is full")
)

// Job 表示一个可执行的异步任务。
type Job func(ctx context.Context) error

// ErrorHandler 错误处理回调函数。
type ErrorHandler func(err error)

// Queue 是固定 worker 数的内存任务队列。
//
// 入队永不阻塞调用方：队列满时直接返回 ErrFull，由调用方决定如何记录。
type Queue struct {
	name         string
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler
	onDepth      func(pending int)

	wg     sync.WaitGroup
	closed atomic.Bool

	enqueued  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats 队列统计快照。
type Stats struct {
	Enqueued  int64
	Succeeded int64
	Failed    int64
	Dropped   int64
	Panics    int64
}

// Option 队列配置选项。
type Option func(*Queue)

// WithErrorHandler 设置任务失败回调。
func WithErrorHandler(h ErrorHandler) Option {
	return func(q *Queue) {
		q.errorHandler = h
	}
}

// WithDepthObserver 在队列深度变化时回调，用于上报指标。
func WithDepthObserver(fn func(pending int)) Option {
	return func(q *Queue) {
		q.onDepth = fn
	}
}

// New 创建队列。workers 与 capacity 至少为 1。
func New(name string, logger *slog.Logger, workers int, capacity int, opts ...Option) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		name:    name,
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.String("queue", q.name), slog.Int("worker_id", id))
			return

		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.observeDepth()
			q.run(ctx, job, id)
		}
	}
}

// run 执行单个任务，带 panic 恢复。
func (q *Queue) run(ctx context.Context, job Job, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			q.logger.Error("job panic recovered",
				slog.String("queue", q.name),
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := job(ctx); err != nil {
		q.failed.Add(1)
		q.logger.Warn("job failed",
			slog.String("queue", q.name),
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
		if q.errorHandler != nil {
			q.errorHandler(err)
		}
		return
	}
	q.succeeded.Add(1)
}

// Enqueue 非阻塞入队。
func (q *Queue) Enqueue(job Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if q.closed.Load() {
		return ErrClosed
	}

	select {
	case q.jobs <- job:
		q.enqueued.Add(1)
		q.observeDepth()
		return nil
	default:
		q.dropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.String("queue", q.name),
			slog.Int("capacity", cap(q.jobs)))
		return ErrFull
	}
}

// Shutdown 拒绝新任务，排空已入队任务，最多等待 timeout。
func (q *Queue) Shutdown(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(q.jobs)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue drained", slog.String("queue", q.name))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("queue %s shutdown timeout after %s", q.name, timeout)
	}
}

// Stats 获取统计快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Panics:    q.panics.Load(),
	}
}

// Workers 返回 worker 数量。
func (q *Queue) Workers() int {
	return q.workers
}

func (q *Queue) observeDepth() {
	if q.onDepth != nil {
		q.onDepth(len(q.jobs))
	}
}
