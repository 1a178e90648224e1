package config

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Tunables 运行期可热更新的时长参数（nacos 下发）
type Tunables struct {
	PresenceTTL          time.Duration `json:"presenceTTL"`
	ActivityTTL          time.Duration `json:"activityTTL"`
	TypingTTL            time.Duration `json:"typingTTL"`
	RecentlyActiveWindow time.Duration `json:"recentlyActiveWindow"`
	StatusCacheTTL       time.Duration `json:"statusCacheTTL"`
	LastMessageFlush     time.Duration `json:"lastMessageFlush"`
	ReconcileInterval    time.Duration `json:"reconcileInterval"`
}

func DefaultTunables() Tunables {
	return Tunables{
		PresenceTTL:          5 * time.Minute,
		ActivityTTL:          10 * time.Minute,
		TypingTTL:            10 * time.Second,
		RecentlyActiveWindow: 15 * time.Minute,
		StatusCacheTTL:       2 * time.Minute,
		LastMessageFlush:     2 * time.Second,
		ReconcileInterval:    30 * time.Second,
	}
}

// Merge 非零字段覆盖
func (t Tunables) Merge(o Tunables) Tunables {
	if o.PresenceTTL > 0 {
		t.PresenceTTL = o.PresenceTTL
	}
	if o.ActivityTTL > 0 {
		t.ActivityTTL = o.ActivityTTL
	}
	if o.TypingTTL > 0 {
		t.TypingTTL = o.TypingTTL
	}
	if o.RecentlyActiveWindow > 0 {
		t.RecentlyActiveWindow = o.RecentlyActiveWindow
	}
	if o.StatusCacheTTL > 0 {
		t.StatusCacheTTL = o.StatusCacheTTL
	}
	if o.LastMessageFlush > 0 {
		t.LastMessageFlush = o.LastMessageFlush
	}
	if o.ReconcileInterval > 0 {
		t.ReconcileInterval = o.ReconcileInterval
	}
	return t
}

func (t Tunables) Validate() error {
	if t.TypingTTL > time.Minute {
		return fmt.Errorf("typingTTL %s too long", t.TypingTTL)
	}
	if t.PresenceTTL < 10*time.Second {
		return fmt.Errorf("presenceTTL %s too short", t.PresenceTTL)
	}
	if t.LastMessageFlush < 100*time.Millisecond {
		return fmt.Errorf("lastMessageFlush %s too short", t.LastMessageFlush)
	}
	return nil
}

var current atomic.Pointer[Tunables]

func init() {
	d := DefaultTunables()
	current.Store(&d)
}

// Current 读取当前参数（无锁）
func Current() Tunables { return *current.Load() }

// Apply 校验后替换；失败保留旧值
func Apply(t Tunables) error {
	merged := Current().Merge(t)
	if err := merged.Validate(); err != nil {
		return err
	}
	current.Store(&merged)
	return nil
}

// Reset 恢复默认（测试用）
func Reset() {
	d := DefaultTunables()
	current.Store(&d)
}
