package presence

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// OnlineUsersKey 在线用户集合 Key
const OnlineUsersKey = "dm:online:users"

// Registry 在线状态注册表
// 所有传输节点共享同一份视图，消费方需容忍短暂的脏条目
// （连接异常崩溃时没有干净的下线通知）
type Registry interface {
	Add(ctx context.Context, userID int64) error
	Remove(ctx context.Context, userID int64) error
	List(ctx context.Context) ([]int64, error)
}

// RedisRegistry 基于 Redis Set 的注册表实现
// SADD/SREM 天然幂等：重复上线、对非成员下线都是 no-op
type RedisRegistry struct {
	client *redis.Client
	key    string
}

// NewRedisRegistry 创建 Redis 注册表
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		key:    OnlineUsersKey,
	}
}

// Add 标记用户在线
func (r *RedisRegistry) Add(ctx context.Context, userID int64) error {
	return r.client.SAdd(ctx, r.key, strconv.FormatInt(userID, 10)).Err()
}

// Remove 标记用户下线
func (r *RedisRegistry) Remove(ctx context.Context, userID int64) error {
	return r.client.SRem(ctx, r.key, strconv.FormatInt(userID, 10)).Err()
}

// List 返回当前在线用户 ID 集合
func (r *RedisRegistry) List(ctx context.Context) ([]int64, error) {
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			// 脏数据跳过，不让单个坏条目拖垮整个查询
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
