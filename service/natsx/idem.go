package natsx

import (
	"context"
	"strings"
	"sync"
	"time"
)

// IdemStore 记录已处理的消息 ID
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

// memIdem 单进程实现；过期项在写入时顺带清理
type memIdem struct {
	mu    sync.Mutex
	m     map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
	sweep time.Time
}

func NewMemIdem(defaultTTL time.Duration) IdemStore {
	return newMemIdem(defaultTTL, time.Now)
}

func newMemIdem(defaultTTL time.Duration, now func() time.Time) *memIdem {
	return &memIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: now}
}

func (mi *memIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if now.Sub(mi.sweep) > time.Minute {
		for k, exp := range mi.m {
			if !exp.After(now) {
				delete(mi.m, k)
			}
		}
		mi.sweep = now
	}
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{MsgIDHeader, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// IdemMiddleware 按 Nats-Msg-Id 去重；无 ID 时退化为 subject+内容
func IdemMiddleware(store IdemStore, ttl time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			if seen, _ := store.SeenOnce(id, ttl); seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
