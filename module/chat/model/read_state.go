package model

import "time"

// ReadState 参与者在某会话内的已读指针与派生未读数。
// LastReadAt 只前进不后退；UnreadCount 总是从消息表重算。
type ReadState struct {
	ConversationID    int64     `bson:"conversation_id" json:"conversationId"`
	UserID            int64     `bson:"user_id" json:"userId"`
	LastReadAt        time.Time `bson:"last_read_at" json:"lastReadTimestamp"`
	LastReadMessageID int64     `bson:"last_read_message_id" json:"lastReadMessageId"`
	UnreadCount       int64     `bson:"unread_count" json:"unreadCount"`
	UpdatedAt         time.Time `bson:"updated_at" json:"updatedAt"`
}

func (s *ReadState) Collection() string { return "read_states" }
