package delivery

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/module/chat/model"
	"PPRealtime/service/storage"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

func summaryOf(m *model.Message, now time.Time) *model.ConversationSummary {
	return &model.ConversationSummary{
		ConversationID: m.ConversationID,
		LastMessageID:  m.ID,
		LastMessageAt:  m.SentAt,
		LastAuthorID:   m.AuthorID,
		LastPreview:    safe.Truncate(m.Body, model.PreviewRunes),
		UpdatedAt:      now,
	}
}

// RecomputeLastMessageIfAffected 受影响消息不是缓存的最后一条时直接返回（一次比较）；
// 否则回源取最新未删除消息覆盖缓存，会话已空则清空。重复执行结果不变。
func (p *Pipeline) RecomputeLastMessageIfAffected(ctx context.Context, conversationID int64, affected ...int64) (bool, error) {
	cached, err := p.summaries.Get(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if cached.Empty() {
		return false, nil
	}
	hit := false
	for _, id := range affected {
		if id == cached.LastMessageID {
			hit = true
			break
		}
	}
	if !hit {
		return false, nil
	}

	latest, err := p.messages.Latest(ctx, conversationID)
	if err != nil {
		return false, err
	}
	now := p.now().UTC()
	next := &model.ConversationSummary{ConversationID: conversationID, UpdatedAt: now}
	if latest != nil {
		next = summaryOf(latest, now)
	}
	if err := p.summaries.Replace(ctx, next); err != nil {
		return false, err
	}
	p.log.Debug("last message recomputed",
		zap.Int64("conversation_id", conversationID),
		zap.Int64("previous", cached.LastMessageID),
		zap.Int64("current", next.LastMessageID))
	return true, nil
}

// stageLastMessage 写入待刷新 hash；Lease Store 不可用或超时则直接条件写库
func (p *Pipeline) stageLastMessage(ctx context.Context, m *model.Message) {
	s := summaryOf(m, p.now().UTC())
	raw, err := json.Marshal(s)
	if err == nil && p.lease != nil {
		sctx, cancel := context.WithTimeout(ctx, leaseWriteTimeout)
		err = p.lease.HSet(sctx, storage.PendingLastMessageKey, strconv.FormatInt(m.ConversationID, 10), string(raw))
		cancel()
		if err == nil {
			return
		}
	}
	p.log.Warn("stage last message, writing through", zap.Int64("conversation_id", m.ConversationID), zap.Error(err))
	if _, err := p.installLastMessage(ctx, s); err != nil {
		p.log.Warn("write last message", zap.Int64("conversation_id", m.ConversationID), zap.Error(err))
	}
}

// installLastMessage 条件写入摘要；写入后复查消息，期间被删除则补做重算。
// 删除路径的重算可能早于本次写入而短路，这里收尾。
func (p *Pipeline) installLastMessage(ctx context.Context, s *model.ConversationSummary) (bool, error) {
	ok, err := p.summaries.SetIfNewer(ctx, s)
	if err != nil || !ok {
		return ok, err
	}
	m, err := p.messages.Get(ctx, s.LastMessageID)
	if err != nil {
		p.log.Warn("recheck last message", zap.Int64("conversation_id", s.ConversationID), zap.Error(err))
		return true, nil
	}
	if m.Deleted {
		p.recompute(ctx, s.ConversationID, m.ID)
	}
	return true, nil
}

// Run 周期性把暂存的最后一条消息刷入会话摘要，退出前再刷一次
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("last message flusher started")
	timer := time.NewTimer(config.Current().LastMessageFlush)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			p.FlushLastMessages(flushCtx)
			cancel()
			p.log.Info("last message flusher stopped")
			return nil
		case <-timer.C:
			p.FlushLastMessages(ctx)
			timer.Reset(config.Current().LastMessageFlush)
		}
	}
}

// FlushLastMessages 取出暂存项，按消息当前状态校正后条件写入（只接受更新的 sentAt）。
// 暂存后被删除的消息跳过；读取之后才被删除的由 installLastMessage 复查修正。
func (p *Pipeline) FlushLastMessages(ctx context.Context) int {
	defer safe.Recover("delivery.flush")
	if p.lease == nil {
		return 0
	}
	pending, err := p.lease.HDrain(ctx, storage.PendingLastMessageKey)
	if err != nil {
		p.log.Warn("drain pending last messages", zap.Error(err))
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	staged := make([]*model.ConversationSummary, 0, len(pending))
	msgIDs := make([]int64, 0, len(pending))
	for field, raw := range pending {
		var s model.ConversationSummary
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			p.log.Warn("bad pending entry", zap.String("conversation", field), zap.Error(err))
			continue
		}
		staged = append(staged, &s)
		msgIDs = append(msgIDs, s.LastMessageID)
	}
	msgs, err := p.messages.GetMany(ctx, msgIDs)
	if err != nil {
		p.log.Warn("load pending messages", zap.Error(err))
		return 0
	}
	current := make(map[int64]*model.Message, len(msgs))
	for _, m := range msgs {
		current[m.ID] = m
	}

	written := 0
	now := p.now().UTC()
	for _, s := range staged {
		m, ok := current[s.LastMessageID]
		if !ok || m.Deleted {
			continue
		}
		ok, err := p.installLastMessage(ctx, summaryOf(m, now))
		if err != nil {
			p.log.Warn("flush last message", zap.Int64("conversation_id", s.ConversationID), zap.Error(err))
			continue
		}
		if ok {
			written++
		}
	}
	if written > 0 {
		p.log.Debug("last messages flushed", zap.Int("written", written), zap.Int("pending", len(pending)))
	}
	return written
}
