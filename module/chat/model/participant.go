package model

import "time"

type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Participant 会话成员（关系库）
type Participant struct {
	ConversationID int64      `json:"conversationId"`
	UserID         int64      `json:"userId"`
	Role           Role       `json:"role"`
	IsActive       bool       `json:"isActive"`
	IsMuted        bool       `json:"isMuted"`
	MutedUntil     *time.Time `json:"mutedUntil,omitempty"`
	JoinedAt       time.Time  `json:"joinedAt"`
}

// MutedAt 禁言未设截止时间视为永久
func (p *Participant) MutedAt(now time.Time) bool {
	if !p.IsMuted {
		return false
	}
	return p.MutedUntil == nil || p.MutedUntil.After(now)
}
