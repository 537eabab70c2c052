package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PairingRunner 一轮随机配对的执行入口
type PairingRunner interface {
	Run(ctx context.Context) (int, error)
}

// ShuffleLoop 随机配对循环，按配置的间隔触发一轮配对
type ShuffleLoop struct {
	runner   PairingRunner
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewShuffleLoop 创建配对循环
func NewShuffleLoop(runner PairingRunner, interval time.Duration) *ShuffleLoop {
	ctx, cancel := context.WithCancel(context.Background())

	return &ShuffleLoop{
		runner:   runner,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		logger:   slog.Default(),
	}
}

// Start 启动循环，首轮在第一个间隔到期后触发
func (l *ShuffleLoop) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			select {
			case <-l.ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.runner.Run(l.ctx); err != nil {
					l.logger.Error("Shuffle round failed", "error", err)
				}
			}
		}
	}()

	l.logger.Info("Shuffle loop started", "interval", l.interval)
}

// Stop 停止循环
func (l *ShuffleLoop) Stop() {
	l.cancel()
	l.wg.Wait()
	l.logger.Info("Shuffle loop stopped")
}
