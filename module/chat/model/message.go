package model

import "time"

const (
	MessageTypeText   = "TEXT"
	MessageTypeSystem = "SYSTEM"

	// SystemAuthorID 系统消息无作者
	SystemAuthorID int64 = 0

	// PreviewRunes 会话列表里最后一条消息预览的长度上限
	PreviewRunes = 100
)

// Message 一条会话消息。删除为软删除，Deleted 必须在每个查询边界显式过滤。
type Message struct {
	ID             int64      `bson:"_id" json:"id"`
	ConversationID int64      `bson:"conversation_id" json:"conversationId"`
	AuthorID       int64      `bson:"author_id" json:"authorId"`
	Type           string     `bson:"type" json:"type"`
	Body           string     `bson:"body" json:"body"`
	ParentID       int64      `bson:"parent_id,omitempty" json:"parentId,omitempty"` // 线程回复的父消息
	SentAt         time.Time  `bson:"sent_at" json:"sentAt"`
	Edited         bool       `bson:"edited" json:"edited"`
	EditedAt       *time.Time `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	Deleted        bool       `bson:"deleted" json:"deleted"`
	DeletedAt      *time.Time `bson:"deleted_at,omitempty" json:"deletedAt,omitempty"`
}

func (m *Message) IsSystem() bool { return m.Type == MessageTypeSystem }

func (m *Message) Collection() string { return "messages" }
