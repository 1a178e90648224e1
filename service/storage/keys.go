package storage

import (
	"fmt"
	"time"
)

const (
	SessionTTL              = 24 * time.Hour
	ActiveSetTTL            = time.Hour
	PresenceTTL             = 5 * time.Minute
	ActivityTTL             = 10 * time.Minute
	TypingTTL               = 10 * time.Second
	ConversationActivityTTL = 24 * time.Hour

	PresenceOnline = "online"

	// PendingLastMessageKey hash: conversationId -> 最新消息摘要 JSON
	PendingLastMessageKey = "convo:last_message:pending"
)

// ===== Key 构造 =====

func UserSessionsKey(userID int64) string {
	return fmt.Sprintf("user:sessions:%d", userID)
}

func SessionUserKey(connID string) string {
	return "session:user:" + connID
}

func SessionConversationsKey(connID string) string {
	return "session:conversations:" + connID
}

func UserActiveConversationsKey(userID int64) string {
	return fmt.Sprintf("user:active:conversations:%d", userID)
}

func ConversationActiveUsersKey(conversationID int64) string {
	return fmt.Sprintf("conversation:active:users:%d", conversationID)
}

func UserPresenceKey(userID int64) string {
	return fmt.Sprintf("user:presence:%d", userID)
}

func UserActivityKey(userID int64) string {
	return fmt.Sprintf("user:activity:%d", userID)
}

// UserLastActiveKey 与 UserActivityKey 同值，保留 ConversationActivityTTL，供长窗口查询
func UserLastActiveKey(userID int64) string {
	return fmt.Sprintf("user:last_active:%d", userID)
}

func TypingKey(conversationID int64) string {
	return fmt.Sprintf("typing:conversation:%d", conversationID)
}

func ConversationActivityKey(conversationID int64) string {
	return fmt.Sprintf("conversation:activity:%d", conversationID)
}
