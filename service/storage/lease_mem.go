package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPRealtime/tools/errs"
)

type memEntry struct {
	str      string
	set      map[string]struct{}
	zset     map[string]float64
	hash     map[string]string
	expireAt time.Time // 零值 = 不过期
}

// MemStore 进程内 Store，单测与单节点开发使用。过期在访问时惰性判定。
type MemStore struct {
	mu    sync.Mutex
	data  map[string]*memEntry
	clock func() time.Time

	failWith error // 非 nil 时所有调用返回该错误，模拟存储不可用
}

func NewMemStore(clock func() time.Time) *MemStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemStore{data: make(map[string]*memEntry), clock: clock}
}

// Fail 注入故障；传 nil 恢复
func (m *MemStore) Fail(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

// Keys 返回未过期的键（测试断言用）
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		if m.liveLocked(k) != nil {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *MemStore) begin() error {
	m.mu.Lock()
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return errs.Infra(err, "mem")
	}
	return nil
}

func (m *MemStore) liveLocked(key string) *memEntry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !m.clock().Before(e.expireAt) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *MemStore) expireAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock().Add(ttl)
}

func (m *MemStore) Ping(context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.data[key] = &memEntry{str: value, expireAt: m.expireAt(ttl)}
	return nil
}

func (m *MemStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := m.begin(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	if m.liveLocked(key) != nil {
		return false, nil
	}
	m.data[key] = &memEntry{str: value, expireAt: m.expireAt(ttl)}
	return true, nil
}

func (m *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	if err := m.begin(); err != nil {
		return "", false, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.set != nil || e.zset != nil || e.hash != nil {
		return "", false, nil
	}
	return e.str, true, nil
}

func (m *MemStore) Del(_ context.Context, keys ...string) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := m.begin(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil {
		return false, nil
	}
	e.expireAt = m.expireAt(ttl)
	return true, nil
}

func (m *MemStore) CompareAndExpire(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := m.begin(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.str != value {
		return false, nil
	}
	e.expireAt = m.expireAt(ttl)
	return true, nil
}

func (m *MemStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	if err := m.begin(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.str != value {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemStore) SetAdd(_ context.Context, key string, ttl time.Duration, member string) (SetChange, error) {
	if err := m.begin(); err != nil {
		return SetChange{}, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.set == nil {
		e = &memEntry{set: make(map[string]struct{})}
		m.data[key] = e
	}
	_, had := e.set[member]
	e.set[member] = struct{}{}
	if ttl > 0 {
		e.expireAt = m.expireAt(ttl)
	}
	return SetChange{Changed: !had, Size: int64(len(e.set))}, nil
}

func (m *MemStore) SetRemove(_ context.Context, key, member string) (SetChange, error) {
	if err := m.begin(); err != nil {
		return SetChange{}, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.set == nil {
		return SetChange{}, nil
	}
	_, had := e.set[member]
	delete(e.set, member)
	size := int64(len(e.set))
	if size == 0 {
		delete(m.data, key)
	}
	return SetChange{Changed: had, Size: size}, nil
}

func (m *MemStore) SetMembers(_ context.Context, key string) ([]string, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.set == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for k := range e.set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) SetIsMember(_ context.Context, key, member string) (bool, error) {
	if err := m.begin(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.set == nil {
		return false, nil
	}
	_, ok := e.set[member]
	return ok, nil
}

func (m *MemStore) SetCard(_ context.Context, key string) (int64, error) {
	if err := m.begin(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.set == nil {
		return 0, nil
	}
	return int64(len(e.set)), nil
}

func (m *MemStore) ZAdd(_ context.Context, key string, ttl time.Duration, member string, score float64) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.zset == nil {
		e = &memEntry{zset: make(map[string]float64)}
		m.data[key] = e
	}
	e.zset[member] = score
	if ttl > 0 {
		e.expireAt = m.expireAt(ttl)
	}
	return nil
}

func (m *MemStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	members, err := m.ZRangeByScore(ctx, key, min, max)
	return int64(len(members)), err
}

func (m *MemStore) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.zset == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.zset))
	for k, s := range e.zset {
		if s >= min && s <= max {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := e.zset[out[i]], e.zset[out[j]]
		if si != sj {
			return si < sj
		}
		return out[i] < out[j]
	})
	return out, nil
}

func (m *MemStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	if err := m.begin(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.zset == nil {
		return 0, nil
	}
	var n int64
	for k, s := range e.zset {
		if s >= min && s <= max {
			delete(e.zset, k)
			n++
		}
	}
	if len(e.zset) == 0 {
		delete(m.data, key)
	}
	return n, nil
}

func (m *MemStore) ZRem(_ context.Context, key, member string) (bool, error) {
	if err := m.begin(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.zset == nil {
		return false, nil
	}
	if _, ok := e.zset[member]; !ok {
		return false, nil
	}
	delete(e.zset, member)
	if len(e.zset) == 0 {
		delete(m.data, key)
	}
	return true, nil
}

func (m *MemStore) HSet(_ context.Context, key, field, value string) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil || e.hash == nil {
		e = &memEntry{hash: make(map[string]string)}
		m.data[key] = e
	}
	e.hash[field] = value
	return nil
}

func (m *MemStore) HDrain(_ context.Context, key string) (map[string]string, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	delete(m.data, key)
	if e == nil || e.hash == nil {
		return map[string]string{}, nil
	}
	return e.hash, nil
}

// ManualClock 可手动推进的时钟，模拟 TTL 到期
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
