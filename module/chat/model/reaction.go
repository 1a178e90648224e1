package model

import "time"

// Reaction 每个 (message, user, emoji) 至多一条未移除记录；移除后再加是原地复活
type Reaction struct {
	ID        int64      `bson:"_id" json:"id"`
	MessageID int64      `bson:"message_id" json:"messageId"`
	UserID    int64      `bson:"user_id" json:"userId"`
	Emoji     string     `bson:"emoji" json:"emoji"`
	CreatedAt time.Time  `bson:"created_at" json:"createdAt"`
	IsRemoved bool       `bson:"is_removed" json:"isRemoved"`
	RemovedAt *time.Time `bson:"removed_at,omitempty" json:"removedAt,omitempty"`
}

func (r *Reaction) Collection() string { return "reactions" }

// ReactionSummary 单条消息的聚合
type ReactionSummary struct {
	MessageID    int64            `json:"messageId"`
	Counts       map[string]int64 `json:"countsByEmoji"`
	ViewerEmojis []string         `json:"viewerReactedEmojis"`
	TopEmojis    []string         `json:"topEmojis"`
	Total        int64            `json:"total"`
}
