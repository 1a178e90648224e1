package delivery

import (
	"context"
	"strings"

	"PPRealtime/module/chat/model"
	"PPRealtime/module/event"
	"PPRealtime/service/chat"
	"PPRealtime/tools/decode"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"
)

// SystemNotice SYSTEM_MESSAGE 负载
type SystemNotice struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	Kind           string `json:"kind"`
	Body           string `json:"body"`
}

// Subscribe 显式注册总线订阅：其它模块通过 SystemMessageRequested 写系统消息
func (p *Pipeline) Subscribe(bus *event.Bus) {
	bus.SystemMessage.Subscribe(func(ctx context.Context, ev event.SystemMessageRequested) error {
		_, err := p.SendSystem(ctx, ev)
		return err
	})
}

// SendSystem 无作者消息：MESSAGE_NEW 之后再发 SYSTEM_MESSAGE
func (p *Pipeline) SendSystem(ctx context.Context, ev event.SystemMessageRequested) (*Projection, error) {
	body := strings.TrimSpace(ev.Body)
	if body == "" {
		return nil, errs.ErrArgs.WrapMsg("system message body is empty")
	}
	m := &model.Message{
		ID:             ids.Generate(),
		ConversationID: ev.ConversationID,
		AuthorID:       model.SystemAuthorID,
		Type:           model.MessageTypeSystem,
		Body:           body,
		SentAt:         p.now().UTC(),
	}
	if err := p.messages.Insert(ctx, m); err != nil {
		return nil, err
	}
	proj := p.OnMessageCreated(ctx, m)
	p.notify.BroadcastToConversation(ctx, ev.ConversationID, chat.SystemMessage, SystemNotice{
		ConversationID: ev.ConversationID, MessageID: m.ID, Kind: ev.Kind, Body: body,
	})
	return proj, nil
}

// LifecycleKind 外部持久化服务上报的消息生命周期
type LifecycleKind string

const (
	LifecycleCreated            LifecycleKind = "created"
	LifecycleEdited             LifecycleKind = "edited"
	LifecycleDeleted            LifecycleKind = "deleted"
	LifecycleBulkDeleted        LifecycleKind = "bulk_deleted"
	LifecyclePermanentlyDeleted LifecycleKind = "permanently_deleted"
)

// LifecycleEvent 只带 ID，消息体从共享存储读取
type LifecycleEvent struct {
	Kind           LifecycleKind `json:"kind"`
	ConversationID int64         `json:"conversationId"`
	MessageID      int64         `json:"messageId,omitempty"`
	MessageIDs     []int64       `json:"messageIds,omitempty"`
}

// Apply 外部已完成持久化，这里只做投影、广播与簿记
func (p *Pipeline) Apply(ctx context.Context, ev LifecycleEvent) error {
	switch ev.Kind {
	case LifecycleCreated, LifecycleEdited:
		m, err := p.messages.Get(ctx, ev.MessageID)
		if err != nil {
			return err
		}
		if m.ConversationID != ev.ConversationID {
			return errs.ErrMessageNotInConversation.WrapMsg("lifecycle event mismatch",
				"message", m.ID, "conversation", ev.ConversationID)
		}
		if ev.Kind == LifecycleCreated {
			p.OnMessageCreated(ctx, m)
		} else {
			p.OnMessageEdited(ctx, m)
		}
	case LifecycleDeleted, LifecyclePermanentlyDeleted:
		p.OnMessageDeleted(ctx, ev.ConversationID, ev.MessageID)
	case LifecycleBulkDeleted:
		if len(ev.MessageIDs) == 0 {
			return errs.ErrArgs.WrapMsg("bulk delete without ids")
		}
		p.OnMessagesDeleted(ctx, ev.ConversationID, ev.MessageIDs)
	default:
		return errs.ErrUnsupported.WrapMsg("unknown lifecycle kind", "kind", ev.Kind)
	}
	return nil
}

// HandleLifecycle 消息队列入口：value 为 LifecycleEvent JSON
func (p *Pipeline) HandleLifecycle(ctx context.Context, _, value []byte) error {
	ev, err := decode.DecodeJSON[LifecycleEvent](value)
	if err != nil {
		return errs.ErrArgs.WrapMsg("bad lifecycle event", "err", err.Error())
	}
	return p.Apply(ctx, *ev)
}
