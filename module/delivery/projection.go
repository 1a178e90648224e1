package delivery

import (
	"context"
	"time"

	"PPRealtime/module/chat/model"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// Projection 下发给客户端的消息视图
type Projection struct {
	ID             int64                  `json:"id"`
	ConversationID int64                  `json:"conversationId"`
	AuthorID       int64                  `json:"authorId"`
	Type           string                 `json:"type"`
	Body           string                 `json:"body"`
	SentAt         time.Time              `json:"sentAt"`
	Edited         bool                   `json:"edited"`
	EditedAt       *time.Time             `json:"editedAt,omitempty"`
	Reactions      *model.ReactionSummary `json:"reactions"`
	Thread         *ThreadContext         `json:"thread,omitempty"`
}

// ThreadContext 回复所指向的父消息摘要
type ThreadContext struct {
	ParentID       int64  `json:"parentId"`
	ParentAuthorID int64  `json:"parentAuthorId"`
	ParentPreview  string `json:"parentPreview"`
	ParentDeleted  bool   `json:"parentDeleted"`
}

func emptySummary(messageID int64) *model.ReactionSummary {
	return &model.ReactionSummary{
		MessageID:    messageID,
		Counts:       map[string]int64{},
		ViewerEmojis: []string{},
		TopEmojis:    []string{},
	}
}

func (p *Pipeline) projectOne(ctx context.Context, m *model.Message, withReactions bool) *Projection {
	out, err := p.project(ctx, []*model.Message{m}, 0, withReactions)
	if err != nil || len(out) == 0 {
		// 投影补充信息失败不影响投递，退化为裸消息
		p.log.Warn("project message", zap.Int64("message_id", m.ID), zap.Error(err))
		return base(m)
	}
	return out[0]
}

func base(m *model.Message) *Projection {
	body := m.Body
	if m.Deleted {
		body = ""
	}
	return &Projection{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		Type:           m.Type,
		Body:           body,
		SentAt:         m.SentAt,
		Edited:         m.Edited,
		EditedAt:       m.EditedAt,
		Reactions:      emptySummary(m.ID),
	}
}

// project 每一层一次批量查询：回应聚合一次，父消息一次
func (p *Pipeline) project(ctx context.Context, msgs []*model.Message, viewerID int64, withReactions bool) ([]*Projection, error) {
	out := make([]*Projection, 0, len(msgs))
	msgIDs := make([]int64, 0, len(msgs))
	var parentIDs []int64
	for _, m := range msgs {
		out = append(out, base(m))
		msgIDs = append(msgIDs, m.ID)
		if m.ParentID != 0 {
			parentIDs = append(parentIDs, m.ParentID)
		}
	}

	if withReactions && p.reactions != nil && len(msgIDs) > 0 {
		sums, err := p.reactions.SummarizeBulk(ctx, msgIDs, viewerID)
		if err != nil {
			return nil, err
		}
		for _, pr := range out {
			if s, ok := sums[pr.ID]; ok {
				pr.Reactions = s
			}
		}
	}

	if len(parentIDs) > 0 {
		parents, err := p.messages.GetMany(ctx, uniq(parentIDs))
		if err != nil {
			return nil, err
		}
		byID := make(map[int64]*model.Message, len(parents))
		for _, pm := range parents {
			byID[pm.ID] = pm
		}
		for i, m := range msgs {
			if m.ParentID == 0 {
				continue
			}
			tc := &ThreadContext{ParentID: m.ParentID, ParentDeleted: true}
			if pm, ok := byID[m.ParentID]; ok && !pm.Deleted {
				tc.ParentAuthorID = pm.AuthorID
				tc.ParentPreview = safe.Truncate(pm.Body, model.PreviewRunes)
				tc.ParentDeleted = false
			}
			out[i].Thread = tc
		}
	}
	return out, nil
}
