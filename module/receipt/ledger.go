package receipt

import (
	"context"
	"sync"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/module/access"
	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/module/event"
	"PPRealtime/service/chat"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// maxBulkRead 单次批量查询已读名单的消息上限
const maxBulkRead = 100

type Notifier interface {
	BroadcastToConversation(ctx context.Context, conversationID int64, t chat.EventType, payload any) chat.Envelope
}

// Receipt MESSAGE_READ / MESSAGES_READ 负载
type Receipt struct {
	ConversationID int64     `json:"conversationId"`
	UserID         int64     `json:"userId"`
	MessageID      int64     `json:"messageId"`
	MessageIDs     []int64   `json:"messageIds,omitempty"`
	LastReadAt     time.Time `json:"lastReadTimestamp"`
	UnreadCount    int64     `json:"unreadCount"`
}

type UnreadInfo struct {
	ConversationID int64     `json:"conversationId"`
	UnreadCount    int64     `json:"unreadCount"`
	LastReadAt     time.Time `json:"lastReadTimestamp"`
}

// Ledger 已读指针与未读数。
// 指针只前进；未读数总是按 count(sentAt > lastReadAt 且未删除) 从消息表重算，不做增减。
type Ledger struct {
	messages store.Messages
	states   store.ReadStates
	dir      store.Directory
	auth     access.Authorizer
	notify   Notifier
	log      *zap.Logger

	mu      sync.Mutex
	touched map[int64]struct{} // 上次对账以来有变动的会话
}

func NewLedger(s store.Stores, auth access.Authorizer, notify Notifier) *Ledger {
	return &Ledger{
		messages: s.Messages,
		states:   s.ReadStates,
		dir:      s.Directory,
		auth:     auth,
		notify:   notify,
		log:      logger.Named("receipt"),
		touched:  make(map[int64]struct{}),
	}
}

// Subscribe 显式注册总线订阅
func (l *Ledger) Subscribe(bus *event.Bus) {
	bus.MessageCreated.Subscribe(func(ctx context.Context, ev event.MessageCreated) error {
		return l.OnMessageCreated(ctx, ev)
	})
	bus.MessagesDeleted.Subscribe(func(ctx context.Context, ev event.MessagesDeleted) error {
		return l.RecalculateUnreadCounts(ctx, ev.ConversationID)
	})
}

func (l *Ledger) touch(conversationID int64) {
	l.mu.Lock()
	l.touched[conversationID] = struct{}{}
	l.mu.Unlock()
}

// advance 推进指针并重算未读
func (l *Ledger) advance(ctx context.Context, conversationID, userID int64, m *model.Message) (*model.ReadState, error) {
	st, err := l.states.Advance(ctx, conversationID, userID, m.SentAt, m.ID)
	if err != nil {
		return nil, err
	}
	return l.recount(ctx, st)
}

func (l *Ledger) recount(ctx context.Context, st *model.ReadState) (*model.ReadState, error) {
	n, err := l.messages.CountAfter(ctx, st.ConversationID, st.LastReadAt)
	if err != nil {
		return nil, err
	}
	if n != st.UnreadCount {
		if err := l.states.SetUnread(ctx, st.ConversationID, st.UserID, n); err != nil {
			return nil, err
		}
		st.UnreadCount = n
	}
	return st, nil
}

// MarkRead 比当前指针旧的消息是空操作，不广播
func (l *Ledger) MarkRead(ctx context.Context, conversationID, userID, messageID int64) (*model.ReadState, error) {
	if _, err := l.auth.CheckMembership(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	m, err := l.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.ConversationID != conversationID {
		return nil, errs.ErrMessageNotInConversation.WrapMsg("message belongs to another conversation",
			"message", messageID, "conversation", conversationID)
	}
	st, err := l.advance(ctx, conversationID, userID, m)
	if err != nil {
		return nil, err
	}
	l.touch(conversationID)
	if st.LastReadMessageID == m.ID {
		l.notify.BroadcastToConversation(ctx, conversationID, chat.MessageRead, Receipt{
			ConversationID: conversationID, UserID: userID, MessageID: m.ID,
			LastReadAt: st.LastReadAt, UnreadCount: st.UnreadCount,
		})
	}
	return st, nil
}

// MarkAllRead 等价于对最新一条未删除消息 MarkRead；空会话只重算
func (l *Ledger) MarkAllRead(ctx context.Context, conversationID, userID int64) (*model.ReadState, error) {
	if _, err := l.auth.CheckMembership(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	latest, err := l.messages.Latest(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		st, err := l.states.Get(ctx, conversationID, userID)
		if err != nil {
			return nil, err
		}
		return l.recount(ctx, st)
	}
	return l.MarkRead(ctx, conversationID, userID, latest.ID)
}

// MarkReadBulk 推进到所列消息中最新的一条，广播 MESSAGES_READ
func (l *Ledger) MarkReadBulk(ctx context.Context, conversationID, userID int64, messageIDs []int64) (*model.ReadState, error) {
	if len(messageIDs) == 0 {
		return nil, errs.ErrArgs.WrapMsg("messageIds is empty")
	}
	if _, err := l.auth.CheckMembership(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := l.messages.GetMany(ctx, messageIDs)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errs.ErrMessageNotFound.WrapMsg("no such messages", "ids", messageIDs)
	}
	var latest *model.Message
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if m.ConversationID != conversationID {
			return nil, errs.ErrMessageNotInConversation.WrapMsg("message belongs to another conversation",
				"message", m.ID, "conversation", conversationID)
		}
		ids = append(ids, m.ID)
		if latest == nil || m.SentAt.After(latest.SentAt) || (m.SentAt.Equal(latest.SentAt) && m.ID > latest.ID) {
			latest = m
		}
	}
	st, err := l.advance(ctx, conversationID, userID, latest)
	if err != nil {
		return nil, err
	}
	l.touch(conversationID)
	l.notify.BroadcastToConversation(ctx, conversationID, chat.MessagesRead, Receipt{
		ConversationID: conversationID, UserID: userID, MessageID: st.LastReadMessageID, MessageIDs: ids,
		LastReadAt: st.LastReadAt, UnreadCount: st.UnreadCount,
	})
	return st, nil
}

// OnMessageCreated 作者指针推进到自己的消息；其他指针落后于 sentAt 的成员从源头重算
func (l *Ledger) OnMessageCreated(ctx context.Context, ev event.MessageCreated) error {
	l.touch(ev.ConversationID)
	members, err := l.dir.ActiveMembers(ctx, ev.ConversationID)
	if err != nil {
		return err
	}
	for _, uid := range members {
		if uid == ev.AuthorID {
			if _, err := l.advance(ctx, ev.ConversationID, uid, &model.Message{ID: ev.MessageID, SentAt: ev.SentAt}); err != nil {
				return err
			}
			continue
		}
		st, err := l.states.Get(ctx, ev.ConversationID, uid)
		if err != nil {
			return err
		}
		if !st.LastReadAt.Before(ev.SentAt) {
			continue
		}
		if _, err := l.recount(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// RecalculateUnreadCounts 全部活跃成员按指针重算；幂等
func (l *Ledger) RecalculateUnreadCounts(ctx context.Context, conversationID int64) error {
	members, err := l.dir.ActiveMembers(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, uid := range members {
		st, err := l.states.Get(ctx, conversationID, uid)
		if err != nil {
			return err
		}
		if _, err := l.recount(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// UnreadCount 读取时也按源头重算
func (l *Ledger) UnreadCount(ctx context.Context, conversationID, userID int64) (UnreadInfo, error) {
	if _, err := l.auth.CheckMembership(ctx, userID, conversationID); err != nil {
		return UnreadInfo{}, err
	}
	st, err := l.states.Get(ctx, conversationID, userID)
	if err != nil {
		return UnreadInfo{}, err
	}
	if st, err = l.recount(ctx, st); err != nil {
		return UnreadInfo{}, err
	}
	return UnreadInfo{ConversationID: conversationID, UnreadCount: st.UnreadCount, LastReadAt: st.LastReadAt}, nil
}

// Readers 指针已到达或越过该消息的成员（不含作者）
func (l *Ledger) Readers(ctx context.Context, messageID, viewerID int64) ([]*model.ReadState, error) {
	m, err := l.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := l.auth.CheckMembership(ctx, viewerID, m.ConversationID); err != nil {
		return nil, err
	}
	all, err := l.states.ListByConversation(ctx, m.ConversationID)
	if err != nil {
		return nil, err
	}
	return readersOf(m, all), nil
}

func readersOf(m *model.Message, all []*model.ReadState) []*model.ReadState {
	out := make([]*model.ReadState, 0, len(all))
	for _, st := range all {
		if st.UserID != m.AuthorID && !st.LastReadAt.Before(m.SentAt) {
			out = append(out, st)
		}
	}
	return out
}

// ReadersBulk 批量已读名单；不存在或无权查看的消息不出现在结果里，每个会话只查一次指针
func (l *Ledger) ReadersBulk(ctx context.Context, messageIDs []int64, viewerID int64) (map[int64][]*model.ReadState, error) {
	if len(messageIDs) > maxBulkRead {
		return nil, errs.ErrArgs.WrapMsg("too many message ids", "max", maxBulkRead)
	}
	msgs, err := l.messages.GetMany(ctx, messageIDs)
	if err != nil {
		return nil, err
	}
	states := make(map[int64][]*model.ReadState)
	denied := make(map[int64]bool)
	out := make(map[int64][]*model.ReadState, len(msgs))
	for _, m := range msgs {
		conv := m.ConversationID
		if denied[conv] {
			continue
		}
		all, ok := states[conv]
		if !ok {
			if _, err := l.auth.CheckMembership(ctx, viewerID, conv); err != nil {
				denied[conv] = true
				continue
			}
			if all, err = l.states.ListByConversation(ctx, conv); err != nil {
				return nil, err
			}
			states[conv] = all
		}
		out[m.ID] = readersOf(m, all)
	}
	return out, nil
}

// Run 定期对有变动的会话做未读对账，直到 ctx 结束
func (l *Ledger) Run(ctx context.Context) error {
	timer := time.NewTimer(config.Current().ReconcileInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			l.reconcile(ctx)
			timer.Reset(config.Current().ReconcileInterval)
		}
	}
}

func (l *Ledger) reconcile(ctx context.Context) {
	defer safe.Recover("receipt.reconcile")
	l.mu.Lock()
	batch := l.touched
	l.touched = make(map[int64]struct{})
	l.mu.Unlock()

	var failed int
	for conv := range batch {
		if err := l.RecalculateUnreadCounts(ctx, conv); err != nil {
			failed++
			// 下一轮重试
			l.touch(conv)
			l.log.Warn("reconcile unread", zap.Int64("conversation_id", conv), zap.Error(err))
		}
	}
	if len(batch) > 0 {
		l.log.Debug("unread reconciled", zap.Int("conversations", len(batch)), zap.Int("failed", failed))
	}
}
