package chat

import (
	"context"
	"strconv"
	"sync"

	"PPRealtime/logger"
	"PPRealtime/service/metrics"
	"PPRealtime/service/storage"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

type session struct {
	conn *Conn
	subs map[int64]struct{}
}

// Removal 连接移除后的结果
type Removal struct {
	UserID int64
	// Orphans 该用户已无任何存活连接订阅的会话
	Orphans []int64
	// Remaining 跨进程的剩余连接数
	Remaining int64
	// Last 本次移除使用户连接数归零；跨进程只会有一个调用者拿到 true
	Last bool
}

// Registry 连接 -> 用户、连接 -> 订阅会话 的本地索引，并镜像到 Lease Store。
// 本地索引服务于本节点投递；Lease Store 中的镜像服务于跨进程判定并随 TTL 自清理。
type Registry struct {
	mu     sync.RWMutex
	bySess map[string]*session
	byUser map[int64]map[string]*Conn
	byConv map[int64]map[string]*Conn

	store storage.Store
	log   *zap.Logger
}

func NewRegistry(store storage.Store) *Registry {
	return &Registry{
		bySess: make(map[string]*session),
		byUser: make(map[int64]map[string]*Conn),
		byConv: make(map[int64]map[string]*Conn),
		store:  store,
		log:    logger.Named("registry"),
	}
}

// RegisterSession 同一连接对象重复注册视为重试；连接 ID 被其它连接占用则报 AlreadyRegistered
func (r *Registry) RegisterSession(ctx context.Context, c *Conn) error {
	if c == nil || c.ID == "" || c.UserID <= 0 {
		return errs.ErrArgs.WrapMsg("invalid connection")
	}

	r.mu.Lock()
	if s, ok := r.bySess[c.ID]; ok {
		r.mu.Unlock()
		if s.conn == c {
			r.mirrorSession(ctx, c)
			return nil
		}
		return errs.ErrAlreadyRegistered.WrapMsg("connection id in use", "conn", c.ID)
	}
	r.mu.Unlock()

	// 其它进程持有同一连接 ID
	if owner, ok, err := r.store.Get(ctx, storage.SessionUserKey(c.ID)); err == nil && ok && owner != strconv.FormatInt(c.UserID, 10) {
		return errs.ErrAlreadyRegistered.WrapMsg("connection id owned by another user", "conn", c.ID)
	}

	r.mu.Lock()
	if _, ok := r.bySess[c.ID]; ok {
		r.mu.Unlock()
		return errs.ErrAlreadyRegistered.WrapMsg("connection id in use", "conn", c.ID)
	}
	r.bySess[c.ID] = &session{conn: c, subs: make(map[int64]struct{})}
	m, ok := r.byUser[c.UserID]
	if !ok {
		m = make(map[string]*Conn)
		r.byUser[c.UserID] = m
	}
	m[c.ID] = c
	r.mu.Unlock()

	metrics.LiveConnections.Inc()
	r.mirrorSession(ctx, c)
	return nil
}

func (r *Registry) mirrorSession(ctx context.Context, c *Conn) {
	if _, err := r.store.SetAdd(ctx, storage.UserSessionsKey(c.UserID), storage.SessionTTL, c.ID); err != nil {
		r.degraded("register", err, c.ID)
		return
	}
	if err := r.store.Set(ctx, storage.SessionUserKey(c.ID), strconv.FormatInt(c.UserID, 10), storage.SessionTTL); err != nil {
		r.degraded("register", err, c.ID)
	}
}

// RemoveSession 移除连接及其全部订阅；已移除则 ok=false
func (r *Registry) RemoveSession(ctx context.Context, connID string) (Removal, bool) {
	r.mu.Lock()
	s, ok := r.bySess[connID]
	if !ok {
		r.mu.Unlock()
		return Removal{}, false
	}
	delete(r.bySess, connID)
	uid := s.conn.UserID
	if m := r.byUser[uid]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.byUser, uid)
		}
	}
	subs := make([]int64, 0, len(s.subs))
	for cid := range s.subs {
		subs = append(subs, cid)
		if m := r.byConv[cid]; m != nil {
			delete(m, connID)
			if len(m) == 0 {
				delete(r.byConv, cid)
			}
		}
	}
	localLeft := int64(len(r.byUser[uid]))
	r.mu.Unlock()

	metrics.LiveConnections.Dec()
	s.conn.Close()

	out := Removal{UserID: uid}
	ch, err := r.store.SetRemove(ctx, storage.UserSessionsKey(uid), connID)
	if err != nil {
		r.degraded("remove", err, connID)
		// 存储不可用时退化为本节点视角
		out.Remaining = localLeft
		out.Last = localLeft == 0
	} else {
		out.Remaining = ch.Size
		out.Last = ch.Changed && ch.Size == 0
	}
	if err := r.store.Del(ctx, storage.SessionUserKey(connID), storage.SessionConversationsKey(connID)); err != nil {
		r.degraded("remove", err, connID)
	}

	for _, cid := range subs {
		if !r.StillSubscribed(ctx, uid, cid) {
			out.Orphans = append(out.Orphans, cid)
		}
	}
	return out, true
}

// AddSubscription 记录订阅，返回连接所属用户
func (r *Registry) AddSubscription(ctx context.Context, connID string, conversationID int64) (int64, error) {
	r.mu.Lock()
	s, ok := r.bySess[connID]
	if !ok {
		r.mu.Unlock()
		return 0, errs.ErrNotFound.WrapMsg("unknown connection", "conn", connID)
	}
	s.subs[conversationID] = struct{}{}
	m, ok := r.byConv[conversationID]
	if !ok {
		m = make(map[string]*Conn)
		r.byConv[conversationID] = m
	}
	m[connID] = s.conn
	uid := s.conn.UserID
	r.mu.Unlock()

	if _, err := r.store.SetAdd(ctx, storage.SessionConversationsKey(connID), storage.SessionTTL,
		strconv.FormatInt(conversationID, 10)); err != nil {
		r.degraded("subscribe", err, connID)
		return uid, nil
	}
	r.refresh(ctx, uid, connID)
	return uid, nil
}

// RemoveSubscription 返回该用户是否仍有其它存活连接订阅此会话
func (r *Registry) RemoveSubscription(ctx context.Context, connID string, conversationID int64) (userID int64, stillSubscribed bool, err error) {
	r.mu.Lock()
	s, ok := r.bySess[connID]
	if !ok {
		r.mu.Unlock()
		return 0, false, errs.ErrNotFound.WrapMsg("unknown connection", "conn", connID)
	}
	delete(s.subs, conversationID)
	if m := r.byConv[conversationID]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.byConv, conversationID)
		}
	}
	uid := s.conn.UserID
	r.mu.Unlock()

	if _, err := r.store.SetRemove(ctx, storage.SessionConversationsKey(connID),
		strconv.FormatInt(conversationID, 10)); err != nil {
		r.degraded("unsubscribe", err, connID)
	} else {
		r.refresh(ctx, uid, connID)
	}
	return uid, r.StillSubscribed(ctx, uid, conversationID), nil
}

// Touch 心跳时刷新镜像 TTL
func (r *Registry) Touch(ctx context.Context, connID string) {
	r.mu.RLock()
	s, ok := r.bySess[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.refresh(ctx, s.conn.UserID, connID)
	_, _ = r.store.Expire(ctx, storage.SessionConversationsKey(connID), storage.SessionTTL)
}

func (r *Registry) refresh(ctx context.Context, uid int64, connID string) {
	if _, err := r.store.Expire(ctx, storage.UserSessionsKey(uid), storage.SessionTTL); err != nil {
		r.degraded("refresh", err, connID)
		return
	}
	_, _ = r.store.Expire(ctx, storage.SessionUserKey(connID), storage.SessionTTL)
}

// LiveSessionCount 跨进程存活连接数；存储不可用时退化为本节点计数
func (r *Registry) LiveSessionCount(ctx context.Context, userID int64) int {
	n, err := r.store.SetCard(ctx, storage.UserSessionsKey(userID))
	if err != nil {
		r.degraded("count", err, "")
		r.mu.RLock()
		defer r.mu.RUnlock()
		return len(r.byUser[userID])
	}
	return int(n)
}

// StillSubscribed 用户是否仍有任一存活连接（任意节点）订阅该会话
func (r *Registry) StillSubscribed(ctx context.Context, userID, conversationID int64) bool {
	r.mu.RLock()
	local := make(map[string]struct{}, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		if _, ok := r.bySess[id].subs[conversationID]; ok {
			r.mu.RUnlock()
			return true
		}
		local[id] = struct{}{}
	}
	r.mu.RUnlock()

	conns, err := r.store.SetMembers(ctx, storage.UserSessionsKey(userID))
	if err != nil {
		r.degraded("still-subscribed", err, "")
		return false
	}
	member := strconv.FormatInt(conversationID, 10)
	for _, id := range conns {
		if _, ok := local[id]; ok {
			continue
		}
		ok, err := r.store.SetIsMember(ctx, storage.SessionConversationsKey(id), member)
		if err != nil {
			r.degraded("still-subscribed", err, id)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// ConnectionsSubscribedTo 本节点订阅了该会话的连接 ID
func (r *Registry) ConnectionsSubscribedTo(conversationID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConv[conversationID]))
	for id := range r.byConv[conversationID] {
		out = append(out, id)
	}
	return out
}

// subscribers 快照，投递时不持锁
func (r *Registry) subscribers(conversationID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byConv[conversationID]))
	for _, c := range r.byConv[conversationID] {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ConnectionsOf(userID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsSubscribed(connID string, conversationID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySess[connID]
	if !ok {
		return false
	}
	_, ok = s.subs[conversationID]
	return ok
}

func (r *Registry) Conn(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySess[connID]
	if !ok {
		return nil, false
	}
	return s.conn, true
}

// Subscriptions 某条连接当前订阅的会话
func (r *Registry) Subscriptions(connID string) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySess[connID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(s.subs))
	for cid := range s.subs {
		out = append(out, cid)
	}
	return out
}

// LocalConversations 本节点有订阅者的会话（定时任务用）
func (r *Registry) LocalConversations() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.byConv))
	for cid := range r.byConv {
		out = append(out, cid)
	}
	return out
}

func (r *Registry) degraded(op string, err error, connID string) {
	metrics.PresenceDegraded.WithLabelValues("registry." + op).Inc()
	r.log.Warn("lease store degraded", zap.String("op", op), zap.String("conn_id", connID), zap.Error(err))
}
