package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Task 任务函数
type Task func()

// Pool 事件处理协程池
// 每个 worker 持有独立队列：传输层的读循环按连接ID哈希到固定 worker，
// 同一连接的事件严格按提交顺序执行，不同连接之间仍然并发
type Pool struct {
	workers int
	queues  []chan Task
	next    uint64
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// New 创建协程池并启动 workers，queueSize 为全部队列的总容量
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 16
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	perQueue := queueSize / workers
	if perQueue < 1 {
		perQueue = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		workers: workers,
		queues:  make([]chan Task, workers),
		ctx:     ctx,
		cancel:  cancel,
		logger:  slog.Default(),
	}

	for i := 0; i < workers; i++ {
		pool.queues[i] = make(chan Task, perQueue)
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers, "queueSizePerWorker", perQueue)
	return pool
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.queues[id]:
			if !ok {
				return
			}
			p.run(id, task)
		}
	}
}

// run 执行任务，panic 不得带崩整个池
func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered", "workerId", id, "panic", r)
		}
	}()
	task()
}

// Submit 提交无顺序要求的任务，轮转选择队列，队列满时阻塞直到有空位或池关闭
func (p *Pool) Submit(task Task) bool {
	idx := atomic.AddUint64(&p.next, 1) % uint64(p.workers)
	return p.submit(p.queues[idx], task)
}

// SubmitKeyed 按 key 提交任务，相同 key 固定落到同一个 worker，
// 执行顺序与提交顺序一致
func (p *Pool) SubmitKeyed(key int64, task Task) bool {
	idx := uint64(key) % uint64(p.workers)
	return p.submit(p.queues[idx], task)
}

func (p *Pool) submit(queue chan Task, task Task) bool {
	select {
	case <-p.ctx.Done():
		return false
	case queue <- task:
		return true
	}
}

// TrySubmit 尝试提交，目标队列满立即返回 false
func (p *Pool) TrySubmit(task Task) bool {
	idx := atomic.AddUint64(&p.next, 1) % uint64(p.workers)
	select {
	case <-p.ctx.Done():
		return false
	case p.queues[idx] <- task:
		return true
	default:
		return false
	}
}

// Shutdown 关闭协程池，等待在执行的任务结束
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool shutdown completed")
}
