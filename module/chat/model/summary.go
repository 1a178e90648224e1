package model

import "time"

// ConversationSummary 会话列表用的“最后一条消息”缓存
type ConversationSummary struct {
	ConversationID int64     `bson:"_id" json:"conversationId"`
	LastMessageID  int64     `bson:"last_message_id" json:"lastMessageId"`
	LastMessageAt  time.Time `bson:"last_message_at" json:"lastMessageAt"`
	LastAuthorID   int64     `bson:"last_author_id" json:"lastAuthorId"`
	LastPreview    string    `bson:"last_preview" json:"lastPreview"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updatedAt"`
}

func (s *ConversationSummary) Collection() string { return "conversation_summaries" }

// Empty 会话里没有可展示的消息
func (s *ConversationSummary) Empty() bool { return s == nil || s.LastMessageID == 0 }
