package model

import (
	"fmt"
	"time"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// Conversation 会话（关系库）
type Conversation struct {
	ID        int64            `json:"id"`
	Type      ConversationType `json:"type"`
	Title     string           `json:"title,omitempty"`
	PairKey   string           `json:"-"` // 单聊唯一键 "min:max"
	CreatedBy int64            `json:"createdBy"`
	CreatedAt time.Time        `json:"createdAt"`
}

// DirectPairKey 两个用户的单聊键与顺序无关
func DirectPairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}
