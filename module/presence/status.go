package presence

import (
	"context"
	"math"
	"sort"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/service/storage"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// Status 会话在线统计
type Status struct {
	ConversationID      int64     `json:"conversationId"`
	OnlineCount         int       `json:"onlineCount"`
	RecentlyActiveCount int64     `json:"recentlyActiveCount"`
	ActiveUserIDs       []int64   `json:"activeUserIds"`
	LastUpdated         time.Time `json:"lastUpdated"`
}

// ConversationStatus 带短期缓存；成员进出与活跃记录会使缓存失效
func (t *Tracker) ConversationStatus(ctx context.Context, conversationID int64) Status {
	tun := config.Current()
	now := t.now()
	if v, ok := t.status.Get(conversationID); ok {
		st := v.(Status)
		if now.Sub(st.LastUpdated) < tun.StatusCacheTTL {
			return st
		}
	}

	st := Status{ConversationID: conversationID, LastUpdated: now, ActiveUserIDs: []int64{}}
	members, err := t.store.SetMembers(ctx, storage.ConversationActiveUsersKey(conversationID))
	if err != nil {
		// 降级结果不缓存
		t.degraded("status", err, 0)
		return st
	}
	st.ActiveUserIDs = parseIDs(members)
	sort.Slice(st.ActiveUserIDs, func(i, j int) bool { return st.ActiveUserIDs[i] < st.ActiveUserIDs[j] })
	st.OnlineCount = len(st.ActiveUserIDs)

	since := float64(now.Add(-tun.RecentlyActiveWindow).UnixMilli())
	n, err := t.store.ZCount(ctx, storage.ConversationActivityKey(conversationID), since, math.Inf(1))
	if err != nil {
		t.degraded("status", err, 0)
		return st
	}
	st.RecentlyActiveCount = n
	t.status.Add(conversationID, st)
	return st
}

// Run 定期清理本节点有订阅者的会话里的过期活跃记录与输入中成员，直到 ctx 结束
func (t *Tracker) Run(ctx context.Context) error {
	t.log.Info("presence reconciler started")
	timer := time.NewTimer(config.Current().ReconcileInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			t.log.Info("presence reconciler stopped")
			return nil
		case <-timer.C:
			t.prune(ctx)
			// 间隔可能已被热更新
			timer.Reset(config.Current().ReconcileInterval)
		}
	}
}

func (t *Tracker) prune(ctx context.Context) {
	defer safe.Recover("presence.prune")
	now := t.now()
	activityCutoff := float64(now.Add(-storage.ConversationActivityTTL).UnixMilli())
	typingCutoff := float64(now.UnixMilli())
	var pruned int64
	for _, conv := range t.sessions.LocalConversations() {
		n, err := t.store.ZRemRangeByScore(ctx, storage.ConversationActivityKey(conv), math.Inf(-1), activityCutoff)
		if err != nil {
			t.degraded("prune", err, 0)
			return
		}
		pruned += n
		if _, err := t.store.ZRemRangeByScore(ctx, storage.TypingKey(conv), math.Inf(-1), typingCutoff); err != nil {
			t.degraded("prune", err, 0)
			return
		}
	}
	if pruned > 0 {
		t.log.Debug("pruned activity entries", zap.Int64("entries", pruned))
	}
}
