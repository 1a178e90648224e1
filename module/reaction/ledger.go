package reaction

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"PPRealtime/logger"
	"PPRealtime/module/access"
	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/service/chat"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

const (
	ActionAdded   = "ADDED"
	ActionRemoved = "REMOVED"

	maxEmojiRunes = 32
	topN          = 3
)

type Notifier interface {
	BroadcastToConversation(ctx context.Context, conversationID int64, t chat.EventType, payload any) chat.Envelope
}

// Update REACTION_UPDATED 负载
type Update struct {
	Action         string          `json:"action"`
	ConversationID int64           `json:"conversationId"`
	MessageID      int64           `json:"messageId"`
	Reaction       *model.Reaction `json:"reaction"`
}

// Ledger 表情回应：同一 (消息, 用户, 表情) 至多一条活跃记录，同一用户可同时持有多个不同表情
type Ledger struct {
	messages  store.Messages
	reactions store.Reactions
	auth      access.Authorizer
	notify    Notifier
	now       func() time.Time
	log       *zap.Logger
}

func NewLedger(s store.Stores, auth access.Authorizer, notify Notifier, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		messages:  s.Messages,
		reactions: s.Reactions,
		auth:      auth,
		notify:    notify,
		now:       now,
		log:       logger.Named("reaction"),
	}
}

func normalizeEmoji(emoji string) (string, error) {
	e := strings.TrimSpace(emoji)
	if e == "" || utf8.RuneCountInString(e) > maxEmojiRunes {
		return "", errs.ErrArgs.WrapMsg("invalid emoji", "emoji", emoji)
	}
	return e, nil
}

// target 取消息并校验权限；已删除的消息不允许再回应
func (l *Ledger) target(ctx context.Context, messageID, userID int64, action access.Action) (*model.Message, error) {
	m, err := l.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := l.auth.CheckPermission(ctx, userID, m.ConversationID, action); err != nil {
		return nil, err
	}
	if m.Deleted {
		return nil, errs.ErrMessageDeleted.WrapMsg("message deleted", "message", messageID)
	}
	return m, nil
}

// AddOrUpdate 已有活跃记录为幂等空操作（不广播）；已移除的原地复活
func (l *Ledger) AddOrUpdate(ctx context.Context, messageID, userID int64, emoji string) (*model.Reaction, error) {
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return nil, err
	}
	m, err := l.target(ctx, messageID, userID, access.ActionReact)
	if err != nil {
		return nil, err
	}
	r, changed, err := l.reactions.Upsert(ctx, &model.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: l.now(),
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		l.log.Debug("reaction already active", zap.Int64("message_id", messageID), zap.Int64("user_id", userID))
		return r, nil
	}
	l.notify.BroadcastToConversation(ctx, m.ConversationID, chat.ReactionUpdated, Update{
		Action: ActionAdded, ConversationID: m.ConversationID, MessageID: messageID, Reaction: r,
	})
	return r, nil
}

// Remove 无活跃记录返回 ReactionNotFound
func (l *Ledger) Remove(ctx context.Context, messageID, userID int64, emoji string) error {
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return err
	}
	m, err := l.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := l.auth.CheckMembership(ctx, userID, m.ConversationID); err != nil {
		return err
	}
	r, err := l.reactions.SoftRemove(ctx, messageID, userID, emoji, l.now())
	if err != nil {
		return err
	}
	l.notify.BroadcastToConversation(ctx, m.ConversationID, chat.ReactionUpdated, Update{
		Action: ActionRemoved, ConversationID: m.ConversationID, MessageID: messageID, Reaction: r,
	})
	return nil
}

// RemoveByID 只能移除自己的回应
func (l *Ledger) RemoveByID(ctx context.Context, reactionID, userID int64) error {
	r, err := l.reactions.Get(ctx, reactionID)
	if err != nil {
		return err
	}
	if r.UserID != userID {
		return errs.ErrNotOwner.WrapMsg("reaction belongs to another user", "reaction", reactionID)
	}
	if r.IsRemoved {
		return errs.ErrReactionNotFound.WrapMsg("reaction already removed", "reaction", reactionID)
	}
	return l.Remove(ctx, r.MessageID, userID, r.Emoji)
}

// List 消息上的活跃回应
func (l *Ledger) List(ctx context.Context, messageID, viewerID int64) ([]*model.Reaction, error) {
	m, err := l.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := l.auth.CheckMembership(ctx, viewerID, m.ConversationID); err != nil {
		return nil, err
	}
	return l.reactions.ListActive(ctx, []int64{messageID})
}

func (l *Ledger) Summarize(ctx context.Context, messageID, viewerID int64) (*model.ReactionSummary, error) {
	all, err := l.SummarizeBulk(ctx, []int64{messageID}, viewerID)
	if err != nil {
		return nil, err
	}
	return all[messageID], nil
}

// SummarizeBulk 一次存储往返取出全部活跃回应后在内存分组；每个请求的 ID 都有结果
func (l *Ledger) SummarizeBulk(ctx context.Context, messageIDs []int64, viewerID int64) (map[int64]*model.ReactionSummary, error) {
	out := make(map[int64]*model.ReactionSummary, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := l.reactions.ListActive(ctx, messageIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range messageIDs {
		out[id] = &model.ReactionSummary{
			MessageID:    id,
			Counts:       map[string]int64{},
			ViewerEmojis: []string{},
			TopEmojis:    []string{},
		}
	}
	for _, r := range rows {
		s, ok := out[r.MessageID]
		if !ok || r.IsRemoved {
			continue
		}
		s.Counts[r.Emoji]++
		s.Total++
		if r.UserID == viewerID {
			s.ViewerEmojis = append(s.ViewerEmojis, r.Emoji)
		}
	}
	for _, s := range out {
		s.TopEmojis = topEmojis(s.Counts, topN)
		sort.Strings(s.ViewerEmojis)
	}
	return out, nil
}

// topEmojis 按次数降序，同数按表情排序保证稳定
func topEmojis(counts map[string]int64, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
