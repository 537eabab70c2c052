package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sudooom.dm/internal/queue"
	"sudooom.dm/internal/service"
)

// Publisher 发送队列的发布端
type Publisher interface {
	Publish(ctx context.Context, job queue.SendJob) error
}

// Strategy 扫描策略：找出到期未入队的定时消息并投入队列
// 返回本轮入队数量
type Strategy interface {
	Name() string
	Scan(ctx context.Context, now time.Time) (int, error)
}

// BatchStrategy 批量扫描策略
// 一次查出全部到期记录逐条入队。实现简单，但多实例同时扫描会把
// 同一条记录重复入队（靠消费端幂等兜底），只适合单实例部署
type BatchStrategy struct {
	store     service.AutoMessageStore
	publisher Publisher
	logger    *slog.Logger
}

// NewBatchStrategy 创建批量扫描策略
func NewBatchStrategy(store service.AutoMessageStore, publisher Publisher) *BatchStrategy {
	return &BatchStrategy{
		store:     store,
		publisher: publisher,
		logger:    slog.Default(),
	}
}

// Name 策略名
func (s *BatchStrategy) Name() string { return "batch" }

// Scan 执行一轮批量扫描，单条失败跳过不中断
func (s *BatchStrategy) Scan(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.FindDueUnqueued(ctx, now)
	if err != nil {
		return 0, err
	}

	queued := 0
	for i := range due {
		am := &due[i]
		if err := s.publisher.Publish(ctx, queue.SendJob{AutoMessageID: am.ID}); err != nil {
			s.logger.Error("Failed to enqueue auto message",
				"autoMessageId", am.ID, "error", err)
			continue
		}
		if err := s.store.MarkQueued(ctx, am.ID); err != nil {
			s.logger.Error("Failed to mark auto message queued",
				"autoMessageId", am.ID, "error", err)
			continue
		}
		queued++
	}
	return queued, nil
}

// ClaimStrategy 逐条认领策略
// 每次原子地认领一条到期记录（置 processing 标志），入队成功后落
// is_queued 并清 processing。认领是互斥的，多实例并发扫描也不会
// 重复入队，崩溃留下的 processing 记录超过认领超时后可被重新认领
type ClaimStrategy struct {
	store     service.AutoMessageStore
	publisher Publisher
	logger    *slog.Logger
}

// NewClaimStrategy 创建认领扫描策略
func NewClaimStrategy(store service.AutoMessageStore, publisher Publisher) *ClaimStrategy {
	return &ClaimStrategy{
		store:     store,
		publisher: publisher,
		logger:    slog.Default(),
	}
}

// Name 策略名
func (s *ClaimStrategy) Name() string { return "claim" }

// Scan 循环认领直到没有到期记录
func (s *ClaimStrategy) Scan(ctx context.Context, now time.Time) (int, error) {
	queued := 0
	for {
		am, err := s.store.ClaimNext(ctx, now)
		if err != nil {
			return queued, err
		}
		if am == nil {
			return queued, nil
		}

		if err := s.publisher.Publish(ctx, queue.SendJob{AutoMessageID: am.ID}); err != nil {
			s.logger.Error("Failed to enqueue auto message, releasing claim",
				"autoMessageId", am.ID, "error", err)
			// 释放认领并结束本轮，否则会立刻重新认领同一条记录空转
			if rerr := s.store.ReleaseClaim(ctx, am.ID); rerr != nil {
				s.logger.Error("Failed to release claim",
					"autoMessageId", am.ID, "error", rerr)
			}
			return queued, err
		}

		if err := s.store.MarkQueued(ctx, am.ID); err != nil {
			s.logger.Error("Failed to mark auto message queued",
				"autoMessageId", am.ID, "error", err)
			continue
		}
		queued++
	}
}

// Scanner 定时消息扫描器，按固定间隔驱动策略执行
type Scanner struct {
	strategy  Strategy
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
	running   bool
	runningMu sync.Mutex
}

// NewScanner 创建扫描器
func NewScanner(strategy Strategy, interval time.Duration) *Scanner {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scanner{
		strategy: strategy,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		logger:   slog.Default(),
	}
}

// Start 启动扫描循环
func (s *Scanner) Start() error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return fmt.Errorf("scanner already running")
	}
	s.running = true
	s.runningMu.Unlock()

	s.wg.Add(1)
	go s.scanLoop()

	s.logger.Info("Auto message scanner started",
		"strategy", s.strategy.Name(), "interval", s.interval)
	return nil
}

// scanLoop 扫描循环协程
func (s *Scanner) scanLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 启动即扫一轮，不等首个 tick
	s.runOnce()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Scan loop exiting")
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

// runOnce 执行一轮扫描
func (s *Scanner) runOnce() {
	queued, err := s.strategy.Scan(s.ctx, time.Now())
	if err != nil {
		s.logger.Error("Scan round failed",
			"strategy", s.strategy.Name(), "queued", queued, "error", err)
		return
	}
	if queued > 0 {
		s.logger.Info("Scan round completed",
			"strategy", s.strategy.Name(), "queued", queued)
	}
}

// Stop 停止扫描器，等待进行中的一轮结束
func (s *Scanner) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.logger.Info("Auto message scanner stopped")
}
