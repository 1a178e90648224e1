package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PPRealtime/logger"
	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/module/event"
	"PPRealtime/service/chat"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

type Notifier interface {
	BroadcastToConversation(ctx context.Context, conversationID int64, t chat.EventType, payload any) chat.Envelope
	BroadcastToUser(ctx context.Context, userID int64, t chat.EventType, payload any) chat.Envelope
}

// Created NEW_CONVERSATION 负载
type Created struct {
	ConversationID int64                  `json:"conversationId"`
	Type           model.ConversationType `json:"type"`
	Participants   []int64                `json:"participants"`
	CreatedBy      int64                  `json:"createdBy"`
}

// ParticipantChange 成员变更通知
type ParticipantChange struct {
	ConversationID int64          `json:"conversationId"`
	UserID         int64          `json:"userId"`
	ActorID        int64          `json:"actorId,omitempty"`
	Kind           chat.EventType `json:"-"`
	Role           model.Role     `json:"role,omitempty"`
	Muted          *bool          `json:"muted,omitempty"`
}

type Service struct {
	dir    store.Directory
	notify Notifier
	bus    *event.Bus
	now    func() time.Time
	log    *zap.Logger
}

func NewService(dir store.Directory, notify Notifier, bus *event.Bus, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{dir: dir, notify: notify, bus: bus, now: now, log: logger.Named("conversation")}
}

// GetOrCreateDirect 两人单聊唯一；并发创建撞唯一键时只重查一次
func (s *Service) GetOrCreateDirect(ctx context.Context, a, b int64) (*model.Conversation, bool, error) {
	if a <= 0 || b <= 0 || a == b {
		return nil, false, errs.ErrArgs.WrapMsg("direct conversation needs two distinct users", "a", a, "b", b)
	}
	c, err := s.dir.FindDirect(ctx, a, b)
	if err != nil {
		return nil, false, err
	}
	if c != nil {
		return c, false, nil
	}

	c, err = s.dir.CreateDirect(ctx, a, b, s.now().UTC())
	if errors.Is(err, errs.ErrConflict) {
		s.log.Debug("direct conversation created concurrently", zap.Int64("a", a), zap.Int64("b", b))
		c, err = s.dir.FindDirect(ctx, a, b)
		if err != nil {
			return nil, false, err
		}
		if c == nil {
			return nil, false, errs.ErrConflict.WrapMsg("direct conversation vanished after conflict", "a", a, "b", b)
		}
		return c, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	ev := Created{ConversationID: c.ID, Type: c.Type, Participants: []int64{a, b}, CreatedBy: a}
	for _, uid := range ev.Participants {
		s.notify.BroadcastToUser(ctx, uid, chat.NewConversation, ev)
	}
	return c, true, nil
}

var changeNotes = map[chat.EventType]string{
	chat.ParticipantJoined:      "user %d joined",
	chat.ParticipantLeft:        "user %d left",
	chat.ParticipantRoleUpdated: "user %d role changed",
	chat.ParticipantMuteUpdated: "user %d mute changed",
	chat.ParticipantBanned:      "user %d was banned",
	chat.ParticipantUnbanned:    "user %d was unbanned",
}

// ParticipantChanged 成员变更已由外部落库：广播到会话话题并写一条系统消息；
// 新加入的成员另收 NEW_CONVERSATION
func (s *Service) ParticipantChanged(ctx context.Context, ch ParticipantChange) error {
	note, ok := changeNotes[ch.Kind]
	if !ok {
		return errs.ErrUnsupported.WrapMsg("not a participant event", "kind", ch.Kind)
	}
	s.notify.BroadcastToConversation(ctx, ch.ConversationID, ch.Kind, ch)
	if ch.Kind == chat.ParticipantJoined {
		s.notify.BroadcastToUser(ctx, ch.UserID, chat.NewConversation, Created{
			ConversationID: ch.ConversationID, CreatedBy: ch.ActorID,
		})
	}
	if s.bus == nil {
		return nil
	}
	err := s.bus.SystemMessage.Publish(ctx, event.SystemMessageRequested{
		ConversationID: ch.ConversationID,
		Body:           fmt.Sprintf(note, ch.UserID),
		Kind:           string(ch.Kind),
	})
	if err != nil {
		// 通知已发出，系统消息失败只记日志
		s.log.Warn("participant system message", zap.Int64("conversation_id", ch.ConversationID), zap.Error(err))
	}
	return nil
}
