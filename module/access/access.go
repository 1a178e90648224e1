package access

import (
	"context"
	"time"

	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/tools/errs"
)

type Action string

const (
	ActionRead     Action = "read"
	ActionSend     Action = "send"
	ActionReact    Action = "react"
	ActionTyping   Action = "typing"
	ActionModerate Action = "moderate" // 删除他人消息
)

// 角色可执行的动作；禁言只影响 send/react/typing
var rolePermissions = map[model.Role]map[Action]bool{
	model.RoleOwner:  {ActionRead: true, ActionSend: true, ActionReact: true, ActionTyping: true, ActionModerate: true},
	model.RoleAdmin:  {ActionRead: true, ActionSend: true, ActionReact: true, ActionTyping: true, ActionModerate: true},
	model.RoleMember: {ActionRead: true, ActionSend: true, ActionReact: true, ActionTyping: true},
}

var muteBlocks = map[Action]bool{ActionSend: true, ActionReact: true, ActionTyping: true}

// Authorizer 各操作入口显式调用的能力校验
type Authorizer interface {
	CheckMembership(ctx context.Context, userID, conversationID int64) (*model.Participant, error)
	CheckPermission(ctx context.Context, userID, conversationID int64, action Action) (*model.Participant, error)
}

// Checker 显式的成员/权限校验，在每个操作入口调用
type Checker struct {
	dir store.Directory
	now func() time.Time
}

func NewChecker(dir store.Directory, now func() time.Time) *Checker {
	if now == nil {
		now = time.Now
	}
	return &Checker{dir: dir, now: now}
}

// CheckMembership 活跃成员返回成员记录
func (c *Checker) CheckMembership(ctx context.Context, userID, conversationID int64) (*model.Participant, error) {
	p, err := c.dir.Participant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, errs.ErrNotMember.WrapMsg("participant inactive", "conversation", conversationID, "user", userID)
	}
	return p, nil
}

func (c *Checker) CheckPermission(ctx context.Context, userID, conversationID int64, action Action) (*model.Participant, error) {
	p, err := c.CheckMembership(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if !rolePermissions[p.Role][action] {
		return nil, errs.ErrAccessDenied.WrapMsg("insufficient permission", "role", p.Role, "action", action)
	}
	if muteBlocks[action] && p.MutedAt(c.now()) {
		return nil, errs.ErrMuted.WrapMsg("participant muted", "conversation", conversationID, "user", userID)
	}
	return p, nil
}
