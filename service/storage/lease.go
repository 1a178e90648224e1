package storage

import (
	"context"
	"time"
)

// SetChange 集合增删的原子结果：Changed 表示本次调用是否真正改变了成员关系，
// Size 为操作后的基数。两者在同一原子步骤内得出，跨进程并发时只有一个调用者
// 能观察到 "1 -> 0" 这样的跃迁。
type SetChange struct {
	Changed bool
	Size    int64
}

// Store 共享的短期状态存储（在线、输入中、会话映射等）。
// 所有写操作都是单键原子的，不做整集合读改写。
type Store interface {
	Ping(ctx context.Context) error

	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// CompareAndExpire 仅当当前值等于 value 时续期
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete 仅当当前值等于 value 时删除
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// SetAdd 添加成员并把整个集合的 TTL 刷新为 ttl（ttl<=0 不动 TTL）
	SetAdd(ctx context.Context, key string, ttl time.Duration, member string) (SetChange, error)
	SetRemove(ctx context.Context, key, member string) (SetChange, error)
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetIsMember(ctx context.Context, key, member string) (bool, error)
	SetCard(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, ttl time.Duration, member string, score float64) error
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZRem(ctx context.Context, key, member string) (bool, error)

	HSet(ctx context.Context, key, field, value string) error
	// HDrain 原子地取出整个 hash 并删除
	HDrain(ctx context.Context, key string) (map[string]string, error)
}

// Lease 带过期时间的键值：不续期则自动消失。
type Lease struct {
	Key   string
	Value string
	TTL   time.Duration

	store Store
}

func NewLease(s Store, key, value string, ttl time.Duration) *Lease {
	return &Lease{Key: key, Value: value, TTL: ttl, store: s}
}

// Acquire 写入（覆盖）租约
func (l *Lease) Acquire(ctx context.Context) error {
	return l.store.Set(ctx, l.Key, l.Value, l.TTL)
}

// Renew 值仍属于本租约时续期；返回 false 表示已过期或被他人改写
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	return l.store.CompareAndExpire(ctx, l.Key, l.Value, l.TTL)
}

// Release 只删除自己的值
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.store.CompareAndDelete(ctx, l.Key, l.Value)
	return err
}

func (l *Lease) Expired(ctx context.Context) (bool, error) {
	v, ok, err := l.store.Get(ctx, l.Key)
	if err != nil {
		return false, err
	}
	return !ok || v != l.Value, nil
}
