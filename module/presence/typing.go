package presence

import (
	"context"
	"math"
	"strconv"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/module/access"
	"PPRealtime/service/chat"
	"PPRealtime/service/storage"
)

// TypingEvent USER_TYPING / USER_STOPPED_TYPING
type TypingEvent struct {
	UserID         int64     `json:"userId"`
	ConversationID int64     `json:"conversationId"`
	Typing         bool      `json:"typing"`
	At             time.Time `json:"timestamp"`
}

// 输入中集合是 zset：member=userId，score=过期毫秒时间戳，实现逐成员过期

// StartTyping 发送者自己也会收到广播，由客户端忽略
func (t *Tracker) StartTyping(ctx context.Context, conversationID, userID int64) error {
	if _, err := t.auth.CheckPermission(ctx, userID, conversationID, access.ActionTyping); err != nil {
		return err
	}
	ttl := config.Current().TypingTTL
	now := t.now()
	err := t.store.ZAdd(ctx, storage.TypingKey(conversationID), ttl,
		strconv.FormatInt(userID, 10), float64(now.Add(ttl).UnixMilli()))
	if err != nil {
		t.degraded("typing", err, userID)
	}
	t.RecordConversationActivity(ctx, conversationID, userID)
	t.notify.BroadcastToConversation(ctx, conversationID, chat.UserTyping, TypingEvent{
		UserID: userID, ConversationID: conversationID, Typing: true, At: now,
	})
	return nil
}

func (t *Tracker) StopTyping(ctx context.Context, conversationID, userID int64) error {
	if _, err := t.auth.CheckPermission(ctx, userID, conversationID, access.ActionRead); err != nil {
		return err
	}
	if _, err := t.store.ZRem(ctx, storage.TypingKey(conversationID), strconv.FormatInt(userID, 10)); err != nil {
		t.degraded("stop_typing", err, userID)
	}
	t.notify.BroadcastToConversation(ctx, conversationID, chat.UserStoppedTyping, TypingEvent{
		UserID: userID, ConversationID: conversationID, Typing: false, At: t.now(),
	})
	return nil
}

// TypingUsers 未过期的输入中用户
func (t *Tracker) TypingUsers(ctx context.Context, conversationID int64) []int64 {
	members, err := t.store.ZRangeByScore(ctx, storage.TypingKey(conversationID),
		float64(t.now().UnixMilli())+1, math.Inf(1))
	if err != nil {
		t.degraded("typing_users", err, 0)
		return nil
	}
	return parseIDs(members)
}

func parseIDs(members []string) []int64 {
	out := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
