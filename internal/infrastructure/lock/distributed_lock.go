package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 场景：用户双击"签到"或重复提交置换请求，两条请求同时进入。
// 余额的正确性由数据库的条件更新和唯一索引兜底，锁的作用是把同一
// 用户的并发请求串行化，减少唯一索引冲突和乐观锁重试。
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持有者崩溃后死锁
//   - value 记录持有者，释放时校验，避免误删他人的锁
// 释放锁：Lua 脚本保证"校验+删除"原子执行
//
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// 只有 value 匹配时才删除，防止删掉锁过期后他人持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewSpendLock 创建扣费锁（按用户维度）
// 不同用户可以并发扣费，同一用户的扣费串行化
func NewSpendLock(client *redis.Client, userID int64, requestID string) *DistributedLock {
	key := fmt.Sprintf("coin:lock:spend:%d", userID)
	return NewDistributedLock(client, key, requestID, 30*time.Second)
}

// NewRewardLock 创建奖励发放锁（按用户+来源维度）
// 唯一索引仍是最终裁决，锁只为减少冲突重试
func NewRewardLock(client *redis.Client, userID int64, source, holder string) *DistributedLock {
	key := fmt.Sprintf("coin:lock:reward:%d:%s", userID, source)
	return NewDistributedLock(client, key, holder, 10*time.Second)
}

// NewRefundLock 创建退币锁（按订单维度）
func NewRefundLock(client *redis.Client, orderNo, holder string) *DistributedLock {
	key := fmt.Sprintf("coin:lock:refund:%s", orderNo)
	return NewDistributedLock(client, key, holder, 30*time.Second)
}
