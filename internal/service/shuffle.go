package service

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// UserLister 配对任务需要的用户列表接口
type UserLister interface {
	ListIDs(ctx context.Context) ([]int64, error)
}

// 随机问候语
var shuffleGreetings = []string{
	"Hey! How are you doing?",
	"You are looking great today!",
	"Wishing you all the best!",
	"Have a wonderful day!",
	"How about trying something new?",
	"Shall we grab a coffee together?",
	"I have good news for you!",
	"Keep your motivation high!",
	"Is everything going well?",
	"Don't forget to smile!",
}

// ShuffleService 随机配对任务
// 周期性地把用户两两随机配对，为每对安排一条立即到期的定时消息，
// 走常规的扫描-入队-消费管道投递。人数为奇数时落单者跳过
type ShuffleService struct {
	users        UserLister
	autoMessages *AutoMessageService
	logger       *slog.Logger
}

// NewShuffleService 创建配对任务
func NewShuffleService(users UserLister, autoMessages *AutoMessageService) *ShuffleService {
	return &ShuffleService{
		users:        users,
		autoMessages: autoMessages,
		logger:       slog.Default(),
	}
}

// Run 执行一轮配对，返回创建的定时消息数
// 单条失败只记日志，不中断其余配对
func (s *ShuffleService) Run(ctx context.Context) (int, error) {
	ids, err := s.users.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) < 2 {
		return 0, nil
	}

	rand.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})

	now := time.Now()
	created := 0
	for i := 0; i+1 < len(ids); i += 2 {
		content := shuffleGreetings[rand.Intn(len(shuffleGreetings))]
		if _, err := s.autoMessages.Schedule(ctx, ids[i], ids[i+1], content, now); err != nil {
			s.logger.Error("Failed to schedule shuffle message",
				"from", ids[i], "to", ids[i+1], "error", err)
			continue
		}
		created++
	}

	s.logger.Info("Shuffle round completed", "pairs", created, "users", len(ids))
	return created, nil
}
