package presence

import (
	"context"
	"strconv"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/module/access"
	"PPRealtime/service/chat"
	"PPRealtime/service/metrics"
	"PPRealtime/service/storage"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Notifier 会话级广播
type Notifier interface {
	BroadcastToConversation(ctx context.Context, conversationID int64, t chat.EventType, payload any) chat.Envelope
}

// Sessions 本节点会话注册表的只读视图
type Sessions interface {
	LiveSessionCount(ctx context.Context, userID int64) int
	LocalConversations() []int64
	Subscriptions(connID string) []int64
}

// PresenceEvent USER_PRESENCE
type PresenceEvent struct {
	UserID         int64     `json:"userId"`
	ConversationID int64     `json:"conversationId"`
	Online         bool      `json:"online"`
	At             time.Time `json:"timestamp"`
}

// ActiveStatusEvent USER_ACTIVE_STATUS
type ActiveStatusEvent struct {
	UserID         int64     `json:"userId"`
	ConversationID int64     `json:"conversationId"`
	Active         bool      `json:"active"`
	At             time.Time `json:"timestamp"`
}

type Options struct {
	Now       func() time.Time
	CacheSize int
}

// Tracker 在线 / 会话内活跃 / 输入中状态。
// 全部状态放在共享的 Lease Store 上，存储故障时降级为"未知"（按离线展示），不向调用方报错。
type Tracker struct {
	store    storage.Store
	sessions Sessions
	notify   Notifier
	auth     access.Authorizer
	now      func() time.Time
	status   *lru.Cache
	log      *zap.Logger
}

func NewTracker(store storage.Store, sessions Sessions, notify Notifier, auth access.Authorizer, opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		// 只有 size<=0 才会出错
		panic(err)
	}
	return &Tracker{
		store:    store,
		sessions: sessions,
		notify:   notify,
		auth:     auth,
		now:      opts.Now,
		status:   cache,
		log:      logger.Named("presence"),
	}
}

// ===== chat.Lifecycle =====

func (t *Tracker) OnOpen(ctx context.Context, c *chat.Conn) {
	t.OnConnect(ctx, c.UserID)
}

// OnActivity 心跳：续期在线租约，并为该连接订阅的会话续期活跃集合
func (t *Tracker) OnActivity(ctx context.Context, c *chat.Conn) {
	t.OnConnect(ctx, c.UserID)
	t.refreshActive(ctx, c)
}

// refreshActive 用 SetAdd 续期（幂等），集合因故障过期时顺带补回成员，不广播
func (t *Tracker) refreshActive(ctx context.Context, c *chat.Conn) {
	convs := t.sessions.Subscriptions(c.ID)
	if len(convs) == 0 {
		return
	}
	member := strconv.FormatInt(c.UserID, 10)
	userKey := storage.UserActiveConversationsKey(c.UserID)
	for _, conv := range convs {
		if _, err := t.store.SetAdd(ctx, storage.ConversationActiveUsersKey(conv), storage.ActiveSetTTL, member); err != nil {
			t.degraded("heartbeat", err, c.UserID)
			return
		}
		if _, err := t.store.SetAdd(ctx, userKey, storage.ActiveSetTTL, strconv.FormatInt(conv, 10)); err != nil {
			t.degraded("heartbeat", err, c.UserID)
			return
		}
	}
}

// OnClose 最后一条连接断开时统一走离线流程，否则只清理孤立订阅
func (t *Tracker) OnClose(ctx context.Context, _ *chat.Conn, r chat.Removal) {
	if r.Last {
		t.OnDisconnectIfLastSession(ctx, r.UserID, r.Orphans)
		return
	}
	for _, conv := range r.Orphans {
		t.OnUnsubscribe(ctx, conv, r.UserID)
	}
}

// ===== 全局在线 =====

func (t *Tracker) lease(userID int64) *storage.Lease {
	return storage.NewLease(t.store, storage.UserPresenceKey(userID), storage.PresenceOnline, config.Current().PresenceTTL)
}

// OnConnect 写入/续期在线租约，并记录活跃时间
func (t *Tracker) OnConnect(ctx context.Context, userID int64) {
	if err := t.lease(userID).Acquire(ctx); err != nil {
		t.degraded("connect", err, userID)
	}
	t.RecordActivity(ctx, userID)
}

// OnDisconnectIfLastSession 用户已无存活连接：清租约、退出所有会话活跃集合，
// 每个受影响会话广播一次离线。orphans 是本节点已知的会话，存储不可用时兜底。
func (t *Tracker) OnDisconnectIfLastSession(ctx context.Context, userID int64, orphans []int64) {
	if n := t.sessions.LiveSessionCount(ctx, userID); n > 0 {
		// 期间有新连接接入
		t.log.Debug("skip offline, user reconnected", zap.Int64("user_id", userID), zap.Int("live", n))
		return
	}
	if err := t.lease(userID).Release(ctx); err != nil {
		t.degraded("disconnect", err, userID)
	}

	convs := make(map[int64]struct{}, len(orphans))
	for _, c := range orphans {
		convs[c] = struct{}{}
	}
	userKey := storage.UserActiveConversationsKey(userID)
	members, err := t.store.SetMembers(ctx, userKey)
	if err != nil {
		t.degraded("disconnect", err, userID)
	}
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			convs[id] = struct{}{}
		}
	}

	now := t.now()
	member := strconv.FormatInt(userID, 10)
	for conv := range convs {
		ch, err := t.store.SetRemove(ctx, storage.ConversationActiveUsersKey(conv), member)
		if err != nil {
			t.degraded("disconnect", err, userID)
		}
		if _, err := t.store.ZRem(ctx, storage.TypingKey(conv), member); err != nil {
			t.degraded("disconnect", err, userID)
		}
		t.status.Remove(conv)
		// 存储可用时只有真正移除成员的调用者广播，跨节点也只有一次
		if err == nil && !ch.Changed {
			continue
		}
		t.notify.BroadcastToConversation(ctx, conv, chat.UserPresence, PresenceEvent{
			UserID: userID, ConversationID: conv, Online: false, At: now,
		})
	}
	if err := t.store.Del(ctx, userKey); err != nil {
		t.degraded("disconnect", err, userID)
	}
	t.log.Info("user offline", zap.Int64("user_id", userID), zap.Int("conversations", len(convs)))
}

// IsOnline 租约存在即在线；存储不可用视为离线
func (t *Tracker) IsOnline(ctx context.Context, userID int64) bool {
	expired, err := t.lease(userID).Expired(ctx)
	if err != nil {
		t.degraded("is_online", err, userID)
		return false
	}
	return !expired
}

// ===== 会话内活跃 =====

// OnSubscribe 仅在用户首次进入活跃集合时广播
func (t *Tracker) OnSubscribe(ctx context.Context, conversationID, userID int64) {
	member := strconv.FormatInt(userID, 10)
	ch, err := t.store.SetAdd(ctx, storage.ConversationActiveUsersKey(conversationID), storage.ActiveSetTTL, member)
	if err != nil {
		t.degraded("subscribe", err, userID)
	}
	if _, err := t.store.SetAdd(ctx, storage.UserActiveConversationsKey(userID), storage.ActiveSetTTL,
		strconv.FormatInt(conversationID, 10)); err != nil {
		t.degraded("subscribe", err, userID)
	}
	t.RecordConversationActivity(ctx, conversationID, userID)
	if err == nil && !ch.Changed {
		return
	}
	t.notify.BroadcastToConversation(ctx, conversationID, chat.UserActiveStatus, ActiveStatusEvent{
		UserID: userID, ConversationID: conversationID, Active: true, At: t.now(),
	})
}

// OnUnsubscribe 调用方保证该用户已无任何连接订阅此会话
func (t *Tracker) OnUnsubscribe(ctx context.Context, conversationID, userID int64) {
	ch, err := t.store.SetRemove(ctx, storage.ConversationActiveUsersKey(conversationID), strconv.FormatInt(userID, 10))
	if err != nil {
		t.degraded("unsubscribe", err, userID)
	}
	if _, err := t.store.SetRemove(ctx, storage.UserActiveConversationsKey(userID),
		strconv.FormatInt(conversationID, 10)); err != nil {
		t.degraded("unsubscribe", err, userID)
	}
	t.status.Remove(conversationID)
	if err == nil && !ch.Changed {
		return
	}
	t.notify.BroadcastToConversation(ctx, conversationID, chat.UserActiveStatus, ActiveStatusEvent{
		UserID: userID, ConversationID: conversationID, Active: false, At: t.now(),
	})
}

// AnnouncePresence 客户端显式上报在线/离开（presence 动作）
func (t *Tracker) AnnouncePresence(ctx context.Context, conversationID, userID int64, online bool) error {
	if _, err := t.auth.CheckPermission(ctx, userID, conversationID, access.ActionRead); err != nil {
		return err
	}
	if online {
		t.RecordConversationActivity(ctx, conversationID, userID)
	}
	t.notify.BroadcastToConversation(ctx, conversationID, chat.UserPresence, PresenceEvent{
		UserID: userID, ConversationID: conversationID, Online: online, At: t.now(),
	})
	return nil
}

// ===== 活跃时间 =====

// RecordActivity 只刷新时间戳，不广播
func (t *Tracker) RecordActivity(ctx context.Context, userID int64) {
	ttl := config.Current().ActivityTTL
	at := t.now().UTC().Format(time.RFC3339Nano)
	if err := t.store.Set(ctx, storage.UserActivityKey(userID), at, ttl); err != nil {
		t.degraded("activity", err, userID)
		return
	}
	if err := t.store.Set(ctx, storage.UserLastActiveKey(userID), at, storage.ConversationActivityTTL); err != nil {
		t.degraded("activity", err, userID)
	}
}

func (t *Tracker) RecordConversationActivity(ctx context.Context, conversationID, userID int64) {
	t.RecordActivity(ctx, userID)
	err := t.store.ZAdd(ctx, storage.ConversationActivityKey(conversationID), storage.ConversationActivityTTL,
		strconv.FormatInt(userID, 10), float64(t.now().UnixMilli()))
	if err != nil {
		t.degraded("activity", err, userID)
	}
	t.status.Remove(conversationID)
}

// IsRecentlyActive now - 最近活跃 <= window；与是否在线无关。
// window 超过 ActivityTTL 时改读长期 key，超过 ConversationActivityTTL 的部分按其截断。
func (t *Tracker) IsRecentlyActive(ctx context.Context, userID int64, window time.Duration) bool {
	key := storage.UserActivityKey(userID)
	if window > config.Current().ActivityTTL {
		key = storage.UserLastActiveKey(userID)
	}
	v, ok, err := t.store.Get(ctx, key)
	if err != nil {
		t.degraded("recently_active", err, userID)
		return false
	}
	if !ok {
		return false
	}
	last, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return false
	}
	return t.now().Sub(last) <= window
}

func (t *Tracker) degraded(op string, err error, userID int64) {
	metrics.PresenceDegraded.WithLabelValues(op).Inc()
	t.log.Warn("presence degraded", zap.String("op", op), zap.Int64("user_id", userID), zap.Error(err))
}
