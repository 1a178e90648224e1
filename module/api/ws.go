package api

import (
	"context"

	"PPRealtime/module/access"
	"PPRealtime/service/chat"
	"PPRealtime/tools/decode"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

type convPayload struct {
	ConversationID int64 `json:"conversationId"`
}

type sendPayload struct {
	ConversationID int64  `json:"conversationId"`
	Body           string `json:"body"`
	ParentID       int64  `json:"parentId"`
}

type editPayload struct {
	MessageID int64  `json:"messageId"`
	Body      string `json:"body"`
}

type deletePayload struct {
	ConversationID int64   `json:"conversationId"`
	MessageID      int64   `json:"messageId"`
	MessageIDs     []int64 `json:"messageIds"`
}

type reactPayload struct {
	MessageID int64  `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type readPayload struct {
	ConversationID int64   `json:"conversationId"`
	MessageID      int64   `json:"messageId"`
	MessageIDs     []int64 `json:"messageIds"`
}

type presencePayload struct {
	ConversationID int64 `json:"conversationId"`
	Online         bool  `json:"online"`
}

func payload[T any](f *chat.InFrame) (*T, error) {
	data := f.Data
	if data == nil {
		data = map[string]any{}
	}
	v, err := decode.DecodeMap[T](data)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("invalid payload", "action", f.Action, "err", err.Error())
	}
	return v, nil
}

// conversationOf 订阅类动作的会话可以放在 destination 或 data 里
func conversationOf(f *chat.InFrame) (int64, error) {
	if id, ok := chat.ParseConversationTopic(f.Destination); ok {
		return id, nil
	}
	p, err := payload[convPayload](f)
	if err != nil {
		return 0, err
	}
	if p.ConversationID <= 0 {
		return 0, errs.ErrArgs.WrapMsg("conversationId required", "action", f.Action)
	}
	return p.ConversationID, nil
}

// RegisterActions 挂载 WS 上行动作
func (h *Handlers) RegisterActions(d *chat.Dispatcher) {
	d.Register("subscribe", h.wsSubscribe)
	d.Register("unsubscribe", h.wsUnsubscribe)
	d.Register("send", h.wsSend)
	d.Register("edit", h.wsEdit)
	d.Register("delete", h.wsDelete)
	d.Register("react", h.wsReact)
	d.Register("unreact", h.wsUnreact)
	d.Register("readReceipt", h.wsRead)
	d.Register("readAll", h.wsReadAll)

	d.RegisterSignal("typing", h.wsTyping)
	d.RegisterSignal("stopTyping", h.wsStopTyping)
	d.RegisterSignal("presence", h.wsPresence)
}

// wsSubscribe 成员校验 -> 登记订阅 -> 会话内活跃
func (h *Handlers) wsSubscribe(ctx context.Context, c *chat.Conn, f *chat.InFrame) (any, error) {
	conv, err := conversationOf(f)
	if err != nil {
		return nil, err
	}
	if _, err := h.Auth.CheckPermission(ctx, c.UserID, conv, access.ActionRead); err != nil {
		return nil, err
	}
	uid, err := h.Registry.AddSubscription(ctx, c.ID, conv)
	if err != nil {
		return nil, err
	}
	h.Presence.OnSubscribe(ctx, conv, uid)
	return map[string]any{"destination": chat.ConversationTopic(conv)}, nil
}

func (h *Handlers) wsUnsubscribe(ctx context.Context, c *chat.Conn, f *chat.InFrame) (any, error) {
	conv, err := conversationOf(f)
	if err != nil {
		return nil, err
	}
	uid, still, err := h.Registry.RemoveSubscription(ctx, c.ID, conv)
	if err != nil {
		return nil, err
	}
	if !still {
		h.Presence.OnUnsubscribe(ctx, conv, uid)
	}
	return map[string]any{"destination": chat.ConversationTopic(conv)}, nil
}

func (h *Handlers) wsSend(ctx context.Context, c *chat.Conn, f *chat.InFrame) (any, error) {
	p, err := payload[sendPayload](f)
	if err != nil {
		return nil, err
	}
	if p.ConversationID == 0 {
		if id, ok := chat.ParseConversationTopic(f.Destination); ok {
			p.ConversationID = id
		}
	}
	return h.Pipeline.Send(ctx, p.ConversationID, c.UserID, p.Body, p.ParentID)
}

func (h *Handlers) wsEdit(ctx context.Context, c *chat.Conn, f *chat.InFrame) (any, error) {
	p, err := payload[editPayload](f)
	if err != nil {
		return nil, err
	}
	return h.Pipeline.Edit(ctx, p.MessageID, c.UserID, p.Body)
}

func (h *Handlers) wsDelete(ctx context.Context, c *chat.Conn, f *chat.InFrame) (any, error) {
	p, err := payload[deletePayload](f)
	if err != nil {
		return nil, err
	}
	if len(p.MessageIDs) > 0 {
		deleted, err := h.Pipeline.DeleteBulk(ctx, p.ConversationID, c.UserID, p.MessageIDs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": deleted}, nil
	}
	if err := h.Pipeline.Delete(ctx, p.MessageID, c.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": []int64{p.MessageID}}, nil
}

func (h *Handlers) wsReact(ctx context.Context, c *chat.Conn, f *chat.InFrame) (any, error) {
	p, err := payload[reactPayload](f)
	if err != nil {
		return nil, err
	}
	return h.Reactions.AddOrUpdate(ctx, p.MessageID, c.UserID, p.Emoji)
}

func (h *Handlers) wsUnreact(ctx context.Context, c *chat.Conn, f *chat.InFrame) (any, error) {
	p, err := payload[reactPayload](f)
	if err != nil {
		return nil, err
	}
	if err := h.Reactions.Remove(ctx, p.MessageID, c.UserID, p.Emoji); err != nil {
		return nil, err
	}
	return map[string]any{"messageId": p.MessageID, "emoji": p.Emoji}, nil
}

func (h *Handlers) wsRead(ctx context.Context, c *chat.Conn, f *chat.InFrame) (any, error) {
	p, err := payload[readPayload](f)
	if err != nil {
		return nil, err
	}
	if len(p.MessageIDs) > 0 {
		return h.Receipts.MarkReadBulk(ctx, p.ConversationID, c.UserID, p.MessageIDs)
	}
	return h.Receipts.MarkRead(ctx, p.ConversationID, c.UserID, p.MessageID)
}

func (h *Handlers) wsReadAll(ctx context.Context, c *chat.Conn, f *chat.InFrame) (any, error) {
	conv, err := conversationOf(f)
	if err != nil {
		return nil, err
	}
	return h.Receipts.MarkAllRead(ctx, conv, c.UserID)
}

// ===== signals：失败只记日志 =====

func (h *Handlers) signalFailed(action string, c *chat.Conn, err error) {
	h.logger().Debug("signal dropped", zap.String("action", action),
		zap.String("conn_id", c.ID), zap.Int64("user_id", c.UserID), zap.Error(err))
}

func (h *Handlers) wsTyping(ctx context.Context, c *chat.Conn, f *chat.InFrame) {
	conv, err := conversationOf(f)
	if err == nil {
		err = h.Presence.StartTyping(ctx, conv, c.UserID)
	}
	if err != nil {
		h.signalFailed(f.Action, c, err)
	}
}

func (h *Handlers) wsStopTyping(ctx context.Context, c *chat.Conn, f *chat.InFrame) {
	conv, err := conversationOf(f)
	if err == nil {
		err = h.Presence.StopTyping(ctx, conv, c.UserID)
	}
	if err != nil {
		h.signalFailed(f.Action, c, err)
	}
}

func (h *Handlers) wsPresence(ctx context.Context, c *chat.Conn, f *chat.InFrame) {
	p, err := payload[presencePayload](f)
	if err == nil {
		err = h.Presence.AnnouncePresence(ctx, p.ConversationID, c.UserID, p.Online)
	}
	if err != nil {
		h.signalFailed(f.Action, c, err)
	}
}
