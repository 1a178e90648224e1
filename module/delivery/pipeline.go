package delivery

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"PPRealtime/logger"
	"PPRealtime/module/access"
	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/module/event"
	"PPRealtime/service/chat"
	"PPRealtime/service/storage"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

const (
	maxBodyRunes = 4000
	// 消息路径上 Lease Store 写入的上限，超时不阻塞发送
	leaseWriteTimeout = 300 * time.Millisecond
)

type Notifier interface {
	BroadcastToConversation(ctx context.Context, conversationID int64, t chat.EventType, payload any) chat.Envelope
}

// Summarizer 批量回应聚合
type Summarizer interface {
	SummarizeBulk(ctx context.Context, messageIDs []int64, viewerID int64) (map[int64]*model.ReactionSummary, error)
}

// ActivityRecorder 发消息顺带刷新会话内活跃时间
type ActivityRecorder interface {
	RecordConversationActivity(ctx context.Context, conversationID, userID int64)
}

// DeletedEvent MESSAGE_DELETED
type DeletedEvent struct {
	ConversationID int64 `json:"conversationId"`
	MessageID      int64 `json:"messageId"`
}

// BulkDeletedEvent MESSAGES_DELETED
type BulkDeletedEvent struct {
	ConversationID int64   `json:"conversationId"`
	MessageIDs     []int64 `json:"messageIds"`
}

type Deps struct {
	Stores    store.Stores
	Lease     storage.Store
	Auth      access.Authorizer
	Notify    Notifier
	Reactions Summarizer
	Bus       *event.Bus
	Activity  ActivityRecorder // 可选
	Now       func() time.Time
}

// Pipeline 消息生命周期：持久化成功之后才构建投影并广播，
// 广播与后续簿记失败只记日志，不回滚已持久化的变更。
type Pipeline struct {
	messages  store.Messages
	reads     store.ReadStates
	summaries store.Summaries
	lease     storage.Store
	auth      access.Authorizer
	notify    Notifier
	reactions Summarizer
	bus       *event.Bus
	activity  ActivityRecorder
	now       func() time.Time
	log       *zap.Logger
}

func NewPipeline(d Deps) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Bus == nil {
		d.Bus = event.NewBus()
	}
	return &Pipeline{
		messages:  d.Stores.Messages,
		reads:     d.Stores.ReadStates,
		summaries: d.Stores.Summaries,
		lease:     d.Lease,
		auth:      d.Auth,
		notify:    d.Notify,
		reactions: d.Reactions,
		bus:       d.Bus,
		activity:  d.Activity,
		now:       d.Now,
		log:       logger.Named("delivery"),
	}
}

func normalizeBody(body string) (string, error) {
	b := strings.TrimSpace(body)
	if b == "" {
		return "", errs.ErrArgs.WrapMsg("message body is empty")
	}
	if utf8.RuneCountInString(b) > maxBodyRunes {
		return "", errs.ErrArgs.WrapMsg("message body too long", "max", maxBodyRunes)
	}
	return b, nil
}

// ===== 客户端动作 =====

// Send 校验 -> 持久化 -> OnMessageCreated
func (p *Pipeline) Send(ctx context.Context, conversationID, authorID int64, body string, parentID int64) (*Projection, error) {
	body, err := normalizeBody(body)
	if err != nil {
		return nil, err
	}
	if _, err := p.auth.CheckPermission(ctx, authorID, conversationID, access.ActionSend); err != nil {
		return nil, err
	}
	if parentID != 0 {
		parent, err := p.messages.Get(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.ConversationID != conversationID {
			return nil, errs.ErrMessageNotInConversation.WrapMsg("parent in another conversation", "parent", parentID)
		}
		if parent.Deleted {
			return nil, errs.ErrMessageDeleted.WrapMsg("cannot reply to a deleted message", "parent", parentID)
		}
	}
	m := &model.Message{
		ID:             ids.Generate(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Type:           model.MessageTypeText,
		Body:           body,
		ParentID:       parentID,
		SentAt:         p.now().UTC(),
	}
	if err := p.messages.Insert(ctx, m); err != nil {
		return nil, err
	}
	if p.activity != nil {
		// 活跃度是尽力而为的簿记，脱离请求生命周期异步写
		safe.Go("delivery.activity", func() {
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseWriteTimeout)
			defer cancel()
			p.activity.RecordConversationActivity(actx, conversationID, authorID)
		})
	}
	return p.OnMessageCreated(ctx, m), nil
}

// Edit 仅作者可编辑，已删除消息不可编辑
func (p *Pipeline) Edit(ctx context.Context, messageID, userID int64, body string) (*Projection, error) {
	body, err := normalizeBody(body)
	if err != nil {
		return nil, err
	}
	m, err := p.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := p.auth.CheckPermission(ctx, userID, m.ConversationID, access.ActionSend); err != nil {
		return nil, err
	}
	if m.AuthorID != userID {
		return nil, errs.ErrNotOwner.WrapMsg("only the author can edit", "message", messageID)
	}
	if m.Deleted {
		return nil, errs.ErrMessageDeleted.WrapMsg("message deleted", "message", messageID)
	}
	updated, err := p.messages.UpdateBody(ctx, messageID, body, p.now().UTC())
	if err != nil {
		return nil, err
	}
	return p.OnMessageEdited(ctx, updated), nil
}

// authorizeDelete 作者可删自己的；他人的需要管理权限
func (p *Pipeline) authorizeDelete(ctx context.Context, m *model.Message, userID int64) error {
	if m.AuthorID == userID {
		_, err := p.auth.CheckMembership(ctx, userID, m.ConversationID)
		return err
	}
	_, err := p.auth.CheckPermission(ctx, userID, m.ConversationID, access.ActionModerate)
	return err
}

// Delete 软删除；重复删除为空操作
func (p *Pipeline) Delete(ctx context.Context, messageID, userID int64) error {
	m, err := p.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if err := p.authorizeDelete(ctx, m, userID); err != nil {
		return err
	}
	changed, err := p.messages.MarkDeleted(ctx, m.ConversationID, []int64{messageID}, p.now().UTC())
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	p.OnMessageDeleted(ctx, m.ConversationID, messageID)
	return nil
}

// DeleteBulk 返回本次真正删除的 ID
func (p *Pipeline) DeleteBulk(ctx context.Context, conversationID, userID int64, messageIDs []int64) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, errs.ErrArgs.WrapMsg("messageIds is empty")
	}
	messageIDs = uniq(messageIDs)
	msgs, err := p.messages.GetMany(ctx, messageIDs)
	if err != nil {
		return nil, err
	}
	if len(msgs) != len(messageIDs) {
		return nil, errs.ErrMessageNotFound.WrapMsg("some messages do not exist", "ids", messageIDs)
	}
	for _, m := range msgs {
		if m.ConversationID != conversationID {
			return nil, errs.ErrMessageNotInConversation.WrapMsg("message in another conversation", "message", m.ID)
		}
		if err := p.authorizeDelete(ctx, m, userID); err != nil {
			return nil, err
		}
	}
	changed, err := p.messages.MarkDeleted(ctx, conversationID, messageIDs, p.now().UTC())
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(changed))
	for _, m := range changed {
		out = append(out, m.ID)
	}
	if len(out) > 0 {
		p.OnMessagesDeleted(ctx, conversationID, out)
	}
	return out, nil
}

// Purge 永久删除（PERMANENTLY_DELETED），行直接移除
func (p *Pipeline) Purge(ctx context.Context, messageID, userID int64) error {
	m, err := p.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := p.auth.CheckPermission(ctx, userID, m.ConversationID, access.ActionModerate); err != nil {
		return err
	}
	if err := p.messages.Purge(ctx, messageID); err != nil {
		return err
	}
	p.OnMessageDeleted(ctx, m.ConversationID, messageID)
	return nil
}

// List 历史消息，回应与线程上下文各一次批量查询
func (p *Pipeline) List(ctx context.Context, conversationID, viewerID int64, before time.Time, limit int) ([]*Projection, error) {
	if _, err := p.auth.CheckMembership(ctx, viewerID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	msgs, err := p.messages.List(ctx, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	return p.project(ctx, msgs, viewerID, true)
}

// Replies 线程回复，按时间正序；父消息已删除时仍可查看其回复
func (p *Pipeline) Replies(ctx context.Context, parentID, viewerID int64, limit int) ([]*Projection, error) {
	parent, err := p.messages.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if _, err := p.auth.CheckMembership(ctx, viewerID, parent.ConversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	msgs, err := p.messages.Replies(ctx, parentID, limit)
	if err != nil {
		return nil, err
	}
	return p.project(ctx, msgs, viewerID, true)
}

// Unread 已读指针之后的消息，最新在前，最多 limit 条
func (p *Pipeline) Unread(ctx context.Context, conversationID, viewerID int64, limit int) ([]*Projection, error) {
	if _, err := p.auth.CheckMembership(ctx, viewerID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	st, err := p.reads.Get(ctx, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	msgs, err := p.messages.List(ctx, conversationID, time.Time{}, limit)
	if err != nil {
		return nil, err
	}
	n := 0
	for n < len(msgs) && msgs[n].SentAt.After(st.LastReadAt) {
		n++
	}
	return p.project(ctx, msgs[:n], viewerID, true)
}

// ===== 生命周期（持久化已完成） =====

// OnMessageCreated 未读簿记 -> MESSAGE_NEW（话题 + 成员私有队列）-> 暂存最后一条消息
func (p *Pipeline) OnMessageCreated(ctx context.Context, m *model.Message) *Projection {
	if err := p.bus.MessageCreated.Publish(ctx, event.MessageCreated{
		ConversationID: m.ConversationID, MessageID: m.ID, AuthorID: m.AuthorID, SentAt: m.SentAt,
	}); err != nil {
		p.log.Warn("message created subscribers", zap.Int64("message_id", m.ID), zap.Error(err))
	}
	proj := p.projectOne(ctx, m, false)
	p.notify.BroadcastToConversation(ctx, m.ConversationID, chat.MessageNew, proj)
	p.stageLastMessage(ctx, m)
	return proj
}

// OnMessageEdited 只发会话话题，携带最新回应聚合
func (p *Pipeline) OnMessageEdited(ctx context.Context, m *model.Message) *Projection {
	proj := p.projectOne(ctx, m, true)
	p.notify.BroadcastToConversation(ctx, m.ConversationID, chat.MessageUpdated, proj)
	p.recompute(ctx, m.ConversationID, m.ID)
	return proj
}

func (p *Pipeline) OnMessageDeleted(ctx context.Context, conversationID, messageID int64) {
	p.notify.BroadcastToConversation(ctx, conversationID, chat.MessageDeleted, DeletedEvent{
		ConversationID: conversationID, MessageID: messageID,
	})
	p.afterDelete(ctx, conversationID, []int64{messageID})
}

func (p *Pipeline) OnMessagesDeleted(ctx context.Context, conversationID int64, messageIDs []int64) {
	p.notify.BroadcastToConversation(ctx, conversationID, chat.MessagesDeleted, BulkDeletedEvent{
		ConversationID: conversationID, MessageIDs: messageIDs,
	})
	p.afterDelete(ctx, conversationID, messageIDs)
}

func (p *Pipeline) afterDelete(ctx context.Context, conversationID int64, messageIDs []int64) {
	if err := p.bus.MessagesDeleted.Publish(ctx, event.MessagesDeleted{
		ConversationID: conversationID, MessageIDs: messageIDs,
	}); err != nil {
		p.log.Warn("messages deleted subscribers", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
	p.recompute(ctx, conversationID, messageIDs...)
}

func (p *Pipeline) recompute(ctx context.Context, conversationID int64, affected ...int64) {
	if _, err := p.RecomputeLastMessageIfAffected(ctx, conversationID, affected...); err != nil {
		p.log.Warn("recompute last message", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
}

func uniq(in []int64) []int64 {
	seen := make(map[int64]struct{}, len(in))
	out := make([]int64, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
